// Package fs defines the filesystem interface the kernel consumes. The
// syscall layer binds process file descriptors to Handle values and
// delegates file operations to a FileSystem implementation; the kernel core
// never depends on a concrete filesystem.
package fs

import (
	"github.com/keitagame/romanticos/kernel"
)

// Handle identifies an open file within a FileSystem implementation.
type Handle int32

// Error sentinels shared by all FileSystem implementations. The syscall
// layer maps them to errno values by pointer identity.
var (
	// ErrNotFound is returned when a path does not resolve to a file.
	ErrNotFound = &kernel.Error{Module: "fs", Message: "path not found"}

	// ErrNotDirectory is returned when a non-final path component is not
	// a directory, or when a directory operation targets a file.
	ErrNotDirectory = &kernel.Error{Module: "fs", Message: "not a directory"}

	// ErrIsDirectory is returned when reading or writing a handle that
	// refers to a directory.
	ErrIsDirectory = &kernel.Error{Module: "fs", Message: "is a directory"}

	// ErrExists is returned when creating a name that is already present
	// in its parent directory.
	ErrExists = &kernel.Error{Module: "fs", Message: "file already exists"}

	// ErrPermission is returned when the file mode forbids the access.
	ErrPermission = &kernel.Error{Module: "fs", Message: "permission denied"}

	// ErrFileTooLarge is returned when a write would grow a file past the
	// implementation's size cap.
	ErrFileTooLarge = &kernel.Error{Module: "fs", Message: "file too large"}

	// ErrBadHandle is returned for operations on handles that are out of
	// range or not open.
	ErrBadHandle = &kernel.Error{Module: "fs", Message: "invalid file handle"}

	// ErrTooManyOpenFiles is returned by Open when the open-file table is
	// full.
	ErrTooManyOpenFiles = &kernel.Error{Module: "fs", Message: "too many open files"}

	// ErrNoSpace is returned when the filesystem cannot store more files.
	ErrNoSpace = &kernel.Error{Module: "fs", Message: "filesystem is full"}
)

// FileSystem is implemented by filesystems the kernel can mount. Open
// resolves an existing path to a fresh handle carrying its own read/write
// offset; handles stay valid until closed.
type FileSystem interface {
	Open(path string, flags int32) (Handle, *kernel.Error)
	Close(h Handle) *kernel.Error
	Read(h Handle, buf []byte) (int, *kernel.Error)
	Write(h Handle, buf []byte) (int, *kernel.Error)
}
