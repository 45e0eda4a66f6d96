// Package fs provides the filesystem abstraction used by the atomic directory
// and lock packages.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
//   - [Failpoint]: testing implementation that simulates a crash on the Nth
//     matching operation
//   - [AtomicWriter]: temp+fsync+rename (or link) file writes
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.Open("config.json")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	// Works with all stdlib io functions:
//	data, _ := io.ReadAll(f)
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.Seeker], or [io.Closer].
//
// Implementations must behave like [os.File], including that [File.Fd]
// returns a valid OS file descriptor usable with flock(2) until the file is
// closed. The crosslock package depends on this.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error

	// Chmod changes the mode of the file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error
}

// FS defines filesystem operations for reading, writing, and managing files.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection.
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// Create creates or truncates a file for writing. See [os.Create].
	Create(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary. See [os.WriteFile].
	//
	// Note: WriteFile is not atomic or durable. Use [FS.WriteFileAtomic] or
	// [AtomicWriter] when a crash must never expose a partial file.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// WriteFileAtomic replaces path with data so that readers observe either
	// the old or the new content, never a mix.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries sorted by name. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// Mkdir creates a single directory. See [os.Mkdir].
	// Returns an error satisfying [os.ErrExist] if path already exists.
	Mkdir(path string, perm os.FileMode) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Lstat returns file info without following a final symlink. See [os.Lstat].
	Lstat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll].
	// No error if path doesn't exist.
	RemoveAll(path string) error

	// Rename moves/renames a file or directory. See [os.Rename].
	// Atomic on the same filesystem.
	Rename(oldpath, newpath string) error

	// Link creates newname as a hard link to oldname. See [os.Link].
	// Fails with [os.ErrExist] if newname exists, which makes it usable as a
	// no-clobber publish step.
	Link(oldname, newname string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
