// Package blkdev opens a host file as the backing store for a
// virtio-blk device: positioned reads/writes, fsync, and a byte size
// query, exactly the surface virtio.BackingFile needs.
package blkdev

import (
	"fmt"
	"os"
)

// File is a host regular file treated as a flat array of sectors.
type File struct {
	f *os.File
}

// Open opens path read/write. It does not create the file: the disk
// image is expected to already exist at the requested size.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blkdev: open %q: %w", path, err)
	}

	return &File{f: f}, nil
}

// ReadAt implements io.ReaderAt.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// Sync flushes writes to stable storage.
func (d *File) Sync() error {
	return d.f.Sync()
}

// Size returns the current byte length of the backing file.
func (d *File) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// Close releases the underlying file descriptor.
func (d *File) Close() error {
	return d.f.Close()
}
