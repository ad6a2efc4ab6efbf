// Package memfs provides a volatile in-memory filesystem. Files live in an
// inode table with directory entries mapping names to inode numbers; open
// files carry their own offsets. The tree seeded by New contains /dev, /tmp,
// /home and a greeting file at /hello.txt.
package memfs

import (
	"sort"
	"strings"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/fs"
)

const (
	maxInodes    = 1024
	maxOpenFiles = 1024

	// MaxFileSize caps the size a regular file can grow to.
	MaxFileSize = 1024 * 1024
)

type fileType uint8

const (
	fileTypeRegular fileType = iota
	fileTypeDirectory
)

// Mode describes the owner access bits of an inode.
type Mode struct {
	Read    bool
	Write   bool
	Execute bool
}

// ModeFromBits extracts the owner bits from a numeric file mode.
func ModeFromBits(bits uint32) Mode {
	return Mode{
		Read:    bits&0o400 != 0,
		Write:   bits&0o200 != 0,
		Execute: bits&0o100 != 0,
	}
}

type inode struct {
	num      int
	fileType fileType
	mode     Mode
	data     []byte
	children map[string]int
}

type openFile struct {
	inode  int
	offset int
	flags  int32
}

// FileSystem is the in-memory fs.FileSystem implementation.
type FileSystem struct {
	inodes    [maxInodes]*inode
	openFiles [maxOpenFiles]*openFile
	nextInode int
	rootInode int
}

// compile-time interface check
var _ fs.FileSystem = (*FileSystem)(nil)

// New returns a filesystem seeded with the default directory tree.
func New() *FileSystem {
	vfs := &FileSystem{nextInode: 1}
	vfs.inodes[0] = &inode{
		num:      0,
		fileType: fileTypeDirectory,
		mode:     Mode{Read: true, Write: true, Execute: true},
		children: make(map[string]int),
	}

	vfs.Mkdir("/dev", Mode{Read: true, Write: true, Execute: true})
	vfs.Mkdir("/tmp", Mode{Read: true, Write: true, Execute: true})
	vfs.Mkdir("/home", Mode{Read: true, Write: true, Execute: true})
	vfs.Create("/hello.txt", Mode{Read: true, Write: true})

	return vfs
}

// splitPath breaks a path into its non-empty components; both "/" and ""
// resolve to the root directory.
func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// traverse resolves a component list to an inode number starting at the
// root directory.
func (vfs *FileSystem) traverse(parts []string) (int, *kernel.Error) {
	current := vfs.rootInode

	for _, part := range parts {
		node := vfs.inodes[current]
		if node.fileType != fileTypeDirectory {
			return 0, fs.ErrNotDirectory
		}

		next, ok := node.children[part]
		if !ok {
			return 0, fs.ErrNotFound
		}
		current = next
	}

	return current, nil
}

// addNode allocates an inode of the given type and links it under the
// parent directory named by path.
func (vfs *FileSystem) addNode(path string, mode Mode, typ fileType) *kernel.Error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fs.ErrExists
	}

	name := parts[len(parts)-1]
	parentNum, err := vfs.traverse(parts[:len(parts)-1])
	if err != nil {
		return err
	}

	parent := vfs.inodes[parentNum]
	if parent.fileType != fileTypeDirectory {
		return fs.ErrNotDirectory
	}
	if _, exists := parent.children[name]; exists {
		return fs.ErrExists
	}

	if vfs.nextInode >= maxInodes {
		return fs.ErrNoSpace
	}
	num := vfs.nextInode
	vfs.nextInode++

	node := &inode{num: num, fileType: typ, mode: mode}
	if typ == fileTypeDirectory {
		node.children = make(map[string]int)
	}

	vfs.inodes[num] = node
	parent.children[name] = num
	return nil
}

// Create adds an empty regular file at path.
func (vfs *FileSystem) Create(path string, mode Mode) *kernel.Error {
	return vfs.addNode(path, mode, fileTypeRegular)
}

// Mkdir adds an empty directory at path.
func (vfs *FileSystem) Mkdir(path string, mode Mode) *kernel.Error {
	return vfs.addNode(path, mode, fileTypeDirectory)
}

// Open resolves path to an existing file and returns a handle with its
// offset at the start of the file. Open never creates files.
func (vfs *FileSystem) Open(path string, flags int32) (fs.Handle, *kernel.Error) {
	num, err := vfs.traverse(splitPath(path))
	if err != nil {
		return 0, err
	}

	for h := 0; h < maxOpenFiles; h++ {
		if vfs.openFiles[h] == nil {
			vfs.openFiles[h] = &openFile{inode: num, flags: flags}
			return fs.Handle(h), nil
		}
	}

	return 0, fs.ErrTooManyOpenFiles
}

// Close releases a handle. Closing an in-range handle that is not open is a
// no-op.
func (vfs *FileSystem) Close(h fs.Handle) *kernel.Error {
	if h < 0 || int(h) >= maxOpenFiles {
		return fs.ErrBadHandle
	}

	vfs.openFiles[h] = nil
	return nil
}

func (vfs *FileSystem) openFileFor(h fs.Handle) (*openFile, *kernel.Error) {
	if h < 0 || int(h) >= maxOpenFiles || vfs.openFiles[h] == nil {
		return nil, fs.ErrBadHandle
	}
	return vfs.openFiles[h], nil
}

// Read copies up to len(buf) bytes from the handle's offset and advances
// it. A read at or past the end of the file returns 0.
func (vfs *FileSystem) Read(h fs.Handle, buf []byte) (int, *kernel.Error) {
	file, err := vfs.openFileFor(h)
	if err != nil {
		return 0, err
	}

	node := vfs.inodes[file.inode]
	if node.fileType == fileTypeDirectory {
		return 0, fs.ErrIsDirectory
	}
	if !node.mode.Read {
		return 0, fs.ErrPermission
	}

	start := file.offset
	end := start + len(buf)
	if end > len(node.data) {
		end = len(node.data)
	}
	if end <= start {
		return 0, nil
	}

	copied := copy(buf, node.data[start:end])
	file.offset = end
	return copied, nil
}

// Write copies buf to the handle's offset, growing the file with zeroes as
// needed, and advances the offset. Growing past MaxFileSize fails.
func (vfs *FileSystem) Write(h fs.Handle, buf []byte) (int, *kernel.Error) {
	file, err := vfs.openFileFor(h)
	if err != nil {
		return 0, err
	}

	node := vfs.inodes[file.inode]
	if node.fileType == fileTypeDirectory {
		return 0, fs.ErrIsDirectory
	}
	if !node.mode.Write {
		return 0, fs.ErrPermission
	}

	end := file.offset + len(buf)
	if end > len(node.data) {
		if end > MaxFileSize {
			return 0, fs.ErrFileTooLarge
		}
		grown := make([]byte, end)
		copy(grown, node.data)
		node.data = grown
	}

	copy(node.data[file.offset:end], buf)
	file.offset = end
	return len(buf), nil
}

// ListDir returns the sorted names contained in the directory at path.
func (vfs *FileSystem) ListDir(path string) ([]string, *kernel.Error) {
	num, err := vfs.traverse(splitPath(path))
	if err != nil {
		return nil, err
	}

	node := vfs.inodes[num]
	if node.fileType != fileTypeDirectory {
		return nil, fs.ErrNotDirectory
	}

	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
