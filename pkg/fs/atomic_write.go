package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync indicates the parent directory could not be synced
// after the file was published. The new file is in place but may not survive
// a power loss.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// PublishMode selects how a synced temp file is moved to its final name.
type PublishMode uint8

const (
	// PublishRename renames the temp file over the destination, replacing any
	// existing file.
	PublishRename PublishMode = iota
	// PublishLink hard-links the temp file to the destination. The write
	// fails with an error matching [os.ErrExist] if the destination exists,
	// and an existing file is never replaced.
	PublishLink
)

func (m PublishMode) String() string {
	if m == PublishLink {
		return "link"
	}

	return "rename"
}

// AtomicWriteOptions configures [AtomicWriter.Write]. The zero value renames
// with mode 0o644 and syncs the parent directory.
type AtomicWriteOptions struct {
	// Perm is applied with chmod, so umask does not affect it. Zero means 0o644.
	Perm os.FileMode

	Publish PublishMode

	// SkipDirSync leaves the parent directory unsynced. The caller then owns
	// durability of the new name, typically by batching one [SyncDir] call.
	SkipDirSync bool
}

// AtomicWriter writes whole files through a temp file beside the destination:
// write, fsync, publish, fsync the parent. Temp files are named
// ".<base>.tmp-<n>" and never outlive a Write that returns.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns a writer over fsys. Panics if fsys is nil.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fsys}
}

// Write replaces (or, with [PublishLink], creates) path with the content of r.
// Readers observe the old state or the complete new file, never a prefix.
//
// A failing parent sync is reported with an error matching
// [ErrAtomicWriteDirSync].
func (w *AtomicWriter) Write(path string, r io.Reader, opts AtomicWriteOptions) error {
	if r == nil {
		panic("reader is nil")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." || base == ".." {
		return fmt.Errorf("atomic write: invalid path %q", path)
	}

	dir = filepath.Clean(dir)

	perm := opts.Perm
	if perm == 0 {
		perm = 0o644
	}

	tmp, err := w.stage(dir, base, perm, r)
	if err != nil {
		return err
	}

	err = w.publish(tmp.path, path, opts.Publish)

	// After a rename the temp name is gone; after a link (or a failure) it
	// still points at the data and must go.
	err = errors.Join(err, tmp.discard(w.fs))
	if err != nil || opts.SkipDirSync {
		return err
	}

	return SyncDir(w.fs, dir)
}

// stagedFile is a temp file whose content is written and synced.
type stagedFile struct {
	path string
}

func (s stagedFile) discard(fsys FS) error {
	err := fsys.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("atomic write: removing temp file: %w", err)
	}

	return nil
}

func (w *AtomicWriter) stage(dir, base string, perm os.FileMode, r io.Reader) (stagedFile, error) {
	f, tmpPath, err := openTempSibling(w.fs, dir, base, perm)
	if err != nil {
		return stagedFile{}, err
	}

	tmp := stagedFile{path: tmpPath}

	err = fillAndSync(f, perm, r)

	closeErr := f.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("atomic write: closing temp file: %w", closeErr)
	}

	err = errors.Join(err, closeErr)
	if err != nil {
		return stagedFile{}, errors.Join(err, tmp.discard(w.fs))
	}

	return tmp, nil
}

func fillAndSync(f File, perm os.FileMode, r io.Reader) error {
	err := f.Chmod(perm)
	if err != nil {
		return fmt.Errorf("atomic write: chmod temp file: %w", err)
	}

	_, err = io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("atomic write: writing temp file: %w", err)
	}

	err = f.Sync()
	if err != nil {
		return fmt.Errorf("atomic write: syncing temp file: %w", err)
	}

	return nil
}

func (w *AtomicWriter) publish(tmpPath, path string, mode PublishMode) error {
	var err error

	switch mode {
	case PublishLink:
		err = w.fs.Link(tmpPath, path)
	default:
		err = w.fs.Rename(tmpPath, path)
	}

	if err != nil {
		return fmt.Errorf("atomic write: %s: %w", mode, err)
	}

	return nil
}

var tempSeq atomic.Uint64

const maxTempAttempts = 1000

// openTempSibling creates a fresh ".<base>.tmp-<n>" file in dir.
func openTempSibling(fsys FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range maxTempAttempts {
		p := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, tempSeq.Add(1)))

		f, err := fsys.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		switch {
		case err == nil:
			return f, p, nil
		case errors.Is(err, os.ErrExist):
			continue
		default:
			return nil, "", fmt.Errorf("atomic write: creating temp file: %w", err)
		}
	}

	return nil, "", fmt.Errorf("atomic write: no free temp name in %q", dir)
}

// SyncDir fsyncs the directory at dir so that entries created, renamed or
// removed inside it are durable. Errors match [ErrAtomicWriteDirSync].
func SyncDir(fsys FS, dir string) error {
	d, err := fsys.Open(dir)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("opening %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, syncErr))
	}

	if closeErr != nil {
		return fmt.Errorf("closing dir %q: %w", dir, closeErr)
	}

	return nil
}
