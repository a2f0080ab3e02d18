package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	// DefaultDir is the tmpfs mount that backs POSIX shared memory on Linux.
	DefaultDir = "/dev/shm"
	// DefaultPrefix is prepended to every segment name.
	DefaultPrefix = "nexus_"
)

// Namespace resolves the well-known segment names. Producer and readers
// that use the same Namespace find the same segments.
type Namespace struct {
	Dir    string
	Prefix string
}

// DefaultNamespace returns the namespace used when nothing is configured.
func DefaultNamespace() Namespace {
	return Namespace{Dir: DefaultDir, Prefix: DefaultPrefix}
}

func (ns Namespace) normalized() Namespace {
	if ns.Dir == "" {
		ns.Dir = DefaultDir
	}
	if ns.Prefix == "" {
		ns.Prefix = DefaultPrefix
	}
	return ns
}

// ControlPath returns the path of the control block segment.
func (ns Namespace) ControlPath() string {
	ns = ns.normalized()
	return filepath.Join(ns.Dir, ns.Prefix+"control")
}

// ChannelPath returns the path of channel ch's ring segment.
func (ns Namespace) ChannelPath(ch int) string {
	ns = ns.normalized()
	return filepath.Join(ns.Dir, ns.Prefix+"channel_"+strconv.Itoa(ch))
}

func (ns Namespace) String() string {
	ns = ns.normalized()
	return filepath.Join(ns.Dir, ns.Prefix+"*")
}

// segment is one mapped shared memory file.
type segment struct {
	path     string
	data     []byte
	ino      uint64
	readOnly bool
}

// mapErr translates errno values into the package's sentinel errors.
func mapErr(op, path string, err error) error {
	switch {
	case errors.Is(err, unix.EEXIST):
		return fmt.Errorf("%s %s: %w", op, path, ErrSegmentExists)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%s %s: %w", op, path, ErrSegmentNotFound)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s %s: %w", op, path, ErrPermission)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}

// createSegment creates a new segment of exactly size bytes. It never
// reuses an existing file.
func createSegment(path string, size int64) (*segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, mapErr("create", path, err)
	}
	defer unix.Close(fd)

	fail := func(op string, err error) (*segment, error) {
		_ = unix.Unlink(path)
		return nil, mapErr(op, path, err)
	}

	if err := unix.Ftruncate(fd, size); err != nil {
		return fail("truncate", err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fail("stat", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	return &segment{path: path, data: data, ino: uint64(st.Ino)}, nil
}

// openSegment maps an existing segment. want is the expected size, or 0
// to accept any non-empty file. A zero-length file is reported as not
// found because the producer truncates right after creating it.
func openSegment(path string, want int64, readOnly bool) (*segment, error) {
	flags, prot := unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if readOnly {
		flags, prot = unix.O_RDONLY, unix.PROT_READ
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, mapErr("open", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, mapErr("stat", path, err)
	}
	if st.Size == 0 {
		return nil, fmt.Errorf("open %s: empty: %w", path, ErrSegmentNotFound)
	}
	if want > 0 && st.Size != want {
		return nil, fmt.Errorf("open %s: size %d, want %d: %w", path, st.Size, want, ErrSizeMismatch)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, mapErr("mmap", path, err)
	}
	return &segment{path: path, data: data, ino: uint64(st.Ino), readOnly: readOnly}, nil
}

func (s *segment) unmap() error {
	if s == nil || s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// removeSegment unlinks path. An absent file is not an error.
func removeSegment(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return mapErr("remove", path, err)
	}
	return nil
}

// currentIno returns the inode now registered at path, or 0 if none.
func currentIno(path string) uint64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return uint64(st.Ino)
}
