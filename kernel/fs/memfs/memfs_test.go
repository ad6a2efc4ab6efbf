package memfs

import (
	"testing"

	"github.com/keitagame/romanticos/kernel"
	"github.com/keitagame/romanticos/kernel/fs"
)

func TestSeededTree(t *testing.T) {
	vfs := New()

	names, err := vfs.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir returned error: %v", err)
	}

	exp := []string{"dev", "hello.txt", "home", "tmp"}
	if len(names) != len(exp) {
		t.Fatalf("expected %d entries; got %v", len(exp), names)
	}
	for i, name := range exp {
		if names[i] != name {
			t.Fatalf("expected entry %d to be %q; got %q", i, name, names[i])
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	vfs := New()

	if err := vfs.Create("/tmp/data", Mode{Read: true, Write: true}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	w, err := vfs.Open("/tmp/data", 0)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	payload := []byte("the quick brown fox")
	if n, werr := vfs.Write(w, payload); werr != nil || n != len(payload) {
		t.Fatalf("expected to write %d bytes; got %d (err %v)", len(payload), n, werr)
	}

	// The writing handle's offset has advanced past the data.
	if n, rerr := vfs.Read(w, make([]byte, 4)); rerr != nil || n != 0 {
		t.Fatalf("expected 0 bytes at end of file; got %d (err %v)", n, rerr)
	}

	// A fresh handle starts at offset zero and reads in chunks.
	r, err := vfs.Open("/tmp/data", 0)
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	buf := make([]byte, 8)
	for {
		n, rerr := vfs.Read(r, buf)
		if rerr != nil {
			t.Fatalf("Read returned error: %v", rerr)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}

	if string(got) != string(payload) {
		t.Fatalf("expected to read back %q; got %q", payload, got)
	}

	if err = vfs.Close(w); err != nil {
		t.Fatal(err)
	}
	if err = vfs.Close(r); err != nil {
		t.Fatal(err)
	}
}

func TestSequentialWrites(t *testing.T) {
	vfs := New()

	h, err := vfs.Open("/hello.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Consecutive writes through one handle append at the shared offset.
	if _, err = vfs.Write(h, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	if _, err = vfs.Write(h, []byte{0xee}); err != nil {
		t.Fatal(err)
	}

	r, err := vfs.Open("/hello.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	n, err := vfs.Read(r, buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 || buf[0] != 0xff || buf[1] != 0xee {
		t.Fatalf("expected to read [0xff 0xee]; got %v (n=%d)", buf[:n], n)
	}
}

func TestPermissionBits(t *testing.T) {
	vfs := New()

	specs := []struct {
		path     string
		modeBits uint32
		readErr  *kernel.Error
		writeErr *kernel.Error
	}{
		{"/tmp/ro", 0o400, nil, fs.ErrPermission},
		{"/tmp/wo", 0o200, fs.ErrPermission, nil},
		{"/tmp/rw", 0o600, nil, nil},
	}

	for specIndex, spec := range specs {
		if err := vfs.Create(spec.path, ModeFromBits(spec.modeBits)); err != nil {
			t.Fatalf("[spec %d] Create returned error: %v", specIndex, err)
		}

		h, err := vfs.Open(spec.path, 0)
		if err != nil {
			t.Fatalf("[spec %d] Open returned error: %v", specIndex, err)
		}

		if _, err = vfs.Write(h, []byte{1}); err != spec.writeErr {
			t.Fatalf("[spec %d] expected write error %v; got %v", specIndex, spec.writeErr, err)
		}

		if _, err = vfs.Read(h, make([]byte, 1)); err != spec.readErr {
			t.Fatalf("[spec %d] expected read error %v; got %v", specIndex, spec.readErr, err)
		}
	}
}

func TestDirectoryHandles(t *testing.T) {
	vfs := New()

	h, err := vfs.Open("/dev", 0)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if _, err = vfs.Read(h, make([]byte, 4)); err != fs.ErrIsDirectory {
		t.Fatalf("expected to get ErrIsDirectory on read; got %v", err)
	}
	if _, err = vfs.Write(h, []byte{1}); err != fs.ErrIsDirectory {
		t.Fatalf("expected to get ErrIsDirectory on write; got %v", err)
	}
	if err = vfs.Close(h); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestFileSizeCap(t *testing.T) {
	vfs := New()

	h, err := vfs.Open("/hello.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = vfs.Write(h, make([]byte, MaxFileSize)); err != nil {
		t.Fatalf("expected a write up to the cap to succeed; got %v", err)
	}

	if _, err = vfs.Write(h, []byte{1}); err != fs.ErrFileTooLarge {
		t.Fatalf("expected to get ErrFileTooLarge; got %v", err)
	}
}

func TestPathResolutionErrors(t *testing.T) {
	vfs := New()

	if _, err := vfs.Open("/no/such/file", 0); err != fs.ErrNotFound {
		t.Fatalf("expected to get ErrNotFound; got %v", err)
	}

	if err := vfs.Create("/missing/file", Mode{Read: true}); err != fs.ErrNotFound {
		t.Fatalf("expected to get ErrNotFound for a missing parent; got %v", err)
	}

	if err := vfs.Create("/hello.txt", Mode{Read: true}); err != fs.ErrExists {
		t.Fatalf("expected to get ErrExists; got %v", err)
	}

	if err := vfs.Mkdir("/tmp", Mode{Read: true}); err != fs.ErrExists {
		t.Fatalf("expected to get ErrExists for an existing directory; got %v", err)
	}

	if _, err := vfs.Open("/hello.txt/impossible", 0); err != fs.ErrNotDirectory {
		t.Fatalf("expected to get ErrNotDirectory; got %v", err)
	}

	if _, err := vfs.ListDir("/hello.txt"); err != fs.ErrNotDirectory {
		t.Fatalf("expected to get ErrNotDirectory listing a file; got %v", err)
	}
}

func TestHandleLifecycle(t *testing.T) {
	vfs := New()

	h, err := vfs.Open("/hello.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	if err = vfs.Close(h); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if _, err = vfs.Read(h, make([]byte, 1)); err != fs.ErrBadHandle {
		t.Fatalf("expected to get ErrBadHandle reading a closed handle; got %v", err)
	}

	if _, err = vfs.Write(h, []byte{1}); err != fs.ErrBadHandle {
		t.Fatalf("expected to get ErrBadHandle writing a closed handle; got %v", err)
	}

	// Closing an in-range handle twice is a no-op.
	if err = vfs.Close(h); err != nil {
		t.Fatalf("expected double close to succeed; got %v", err)
	}

	if err = vfs.Close(-1); err != fs.ErrBadHandle {
		t.Fatalf("expected to get ErrBadHandle for a negative handle; got %v", err)
	}

	// Handles are reused lowest-first.
	reopened, err := vfs.Open("/hello.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	if reopened != h {
		t.Fatalf("expected handle %d to be reused; got %d", h, reopened)
	}
}

func TestOpenFileTableExhaustion(t *testing.T) {
	vfs := New()

	for i := 0; i < maxOpenFiles; i++ {
		if _, err := vfs.Open("/hello.txt", 0); err != nil {
			t.Fatalf("open %d returned error: %v", i, err)
		}
	}

	if _, err := vfs.Open("/hello.txt", 0); err != fs.ErrTooManyOpenFiles {
		t.Fatalf("expected to get ErrTooManyOpenFiles; got %v", err)
	}
}
