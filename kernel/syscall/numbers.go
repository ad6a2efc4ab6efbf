package syscall

// Syscall numbers follow the original ABI: the number travels in RAX with
// up to six arguments in RDI, RSI, RDX, R10, R8 and R9.
const (
	SysRead   = 0
	SysWrite  = 1
	SysOpen   = 2
	SysClose  = 3
	SysMmap   = 9
	SysMunmap = 11
	SysSleep  = 35
	SysGetPID = 39
	SysFork   = 57
	SysExecve = 59
	SysExit   = 60
)

// Error numbers returned to user space as negated RAX values.
const (
	EPERM   = 1
	ENOENT  = 2
	EBADF   = 9
	ENOMEM  = 12
	EACCES  = 13
	EFAULT  = 14
	EEXIST  = 17
	ENOTDIR = 20
	EISDIR  = 21
	EINVAL  = 22
	ENFILE  = 23
	EMFILE  = 24
	EFBIG   = 27
	ENOSPC  = 28
	ENOSYS  = 38
)

// maxSyscall bounds the per-number stats table.
const maxSyscall = 64

// name maps a syscall number to its mnemonic for stats dumps.
func name(num uint64) string {
	switch num {
	case SysRead:
		return "read"
	case SysWrite:
		return "write"
	case SysOpen:
		return "open"
	case SysClose:
		return "close"
	case SysMmap:
		return "mmap"
	case SysMunmap:
		return "munmap"
	case SysSleep:
		return "sleep"
	case SysGetPID:
		return "getpid"
	case SysFork:
		return "fork"
	case SysExecve:
		return "execve"
	case SysExit:
		return "exit"
	default:
		return "unknown"
	}
}
