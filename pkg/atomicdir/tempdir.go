package atomicdir

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

type tempDirState uint8

const (
	tempLive tempDirState = iota
	tempClosed
	tempDefused
	tempPersisted
)

func (s tempDirState) String() string {
	switch s {
	case tempLive:
		return "live"
	case tempClosed:
		return "closed"
	case tempDefused:
		return "defused"
	case tempPersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// TempDir is a staging directory ".<target>.<random>.tmpdir" created beside a
// managed directory. Close removes it; call Close with defer right after
// creating one. [TempDir.Defuse] suspends that cleanup duty and
// [TempDir.PersistTo] moves the directory into its final place.
//
// A TempDir that was closed, defused or persisted must not be used again;
// doing so panics.
type TempDir struct {
	fs     fs.FS
	logger *slog.Logger
	parent string
	name   string
	state  tempDirState
}

const (
	tempSuffixLen   = 10
	tempSuffixChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tempMaxAttempts = 16
)

// NewTempDir creates a fresh staging directory for target under parent.
func NewTempDir(fsys fs.FS, parent, target string, logger *slog.Logger) (*TempDir, error) {
	if err := validateSingleComponent(target); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for range tempMaxAttempts {
		name := "." + target + "." + randomSuffix() + tempDirExt

		err := fsys.Mkdir(filepath.Join(parent, name), dirPerm)
		if err == nil {
			return &TempDir{fs: fsys, logger: logger, parent: parent, name: name}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating temp dir: %w", err)
		}
	}

	return nil, fmt.Errorf("creating temp dir: exhausted %d attempts in %q", tempMaxAttempts, parent)
}

// adoptTempDir takes cleanup ownership of an existing staging directory, such
// as the one named by a journal being recovered.
func adoptTempDir(fsys fs.FS, parent, name string, logger *slog.Logger) *TempDir {
	return &TempDir{fs: fsys, logger: logger, parent: parent, name: name}
}

func randomSuffix() string {
	var b strings.Builder

	b.Grow(tempSuffixLen)

	for range tempSuffixLen {
		b.WriteByte(tempSuffixChars[rand.IntN(len(tempSuffixChars))])
	}

	return b.String()
}

// tempDirTarget returns the managed directory name encoded in a staging
// directory name, or false if name is not a staging directory name.
func tempDirTarget(name string) (string, bool) {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tempDirExt) {
		return "", false
	}

	core := strings.TrimSuffix(strings.TrimPrefix(name, "."), tempDirExt)

	dot := strings.LastIndexByte(core, '.')
	if dot <= 0 || len(core)-dot-1 != tempSuffixLen {
		return "", false
	}

	for _, c := range core[dot+1:] {
		if !strings.ContainsRune(tempSuffixChars, c) {
			return "", false
		}
	}

	return core[:dot], true
}

func (t *TempDir) mustBeLive(op string) {
	if t.state != tempLive {
		panic(fmt.Sprintf("atomicdir: %s on %s temp dir %q", op, t.state, t.name))
	}
}

// Name returns the single-component name of the staging directory.
func (t *TempDir) Name() string {
	return t.name
}

// Path returns the full path of the staging directory.
func (t *TempDir) Path() string {
	t.mustBeLive("Path")

	return filepath.Join(t.parent, t.name)
}

// Defuse hands the directory to code that must not remove it. The TempDir is
// unusable afterwards; [DefusedTempDir.Relight] restores cleanup duty.
func (t *TempDir) Defuse() *DefusedTempDir {
	t.mustBeLive("Defuse")
	t.state = tempDefused

	return &DefusedTempDir{fs: t.fs, logger: t.logger, parent: t.parent, name: t.name}
}

// PersistTo renames the staging directory to dest in one rename. dest must be
// on the same filesystem and must not be a non-empty directory.
//
// On failure the returned [*PersistError] carries the TempDir, which is still
// live and still owns cleanup.
func (t *TempDir) PersistTo(dest string) error {
	t.mustBeLive("PersistTo")

	err := t.fs.Rename(filepath.Join(t.parent, t.name), dest)
	if err != nil {
		return &PersistError{Dir: t, Dest: dest, Err: err}
	}

	t.state = tempPersisted

	return nil
}

// Close removes the staging directory and everything in it. Removal errors
// are logged, never returned: a failed cleanup must not mask the outcome of
// the operation that used the directory. Close is a no-op unless the TempDir
// is live.
func (t *TempDir) Close() {
	if t.state != tempLive {
		return
	}

	t.state = tempClosed

	path := filepath.Join(t.parent, t.name)

	err := t.fs.RemoveAll(path)
	if err != nil {
		t.logger.Warn("temp dir cleanup failed", slog.String("path", path), slog.Any("error", err))
	}
}

// DefusedTempDir is a staging directory whose cleanup duty is suspended.
// Dropping it leaves the directory on disk.
type DefusedTempDir struct {
	fs     fs.FS
	logger *slog.Logger
	parent string
	name   string
	relit  bool
}

// Name returns the single-component name of the staging directory.
func (d *DefusedTempDir) Name() string { return d.name }

// Path returns the full path of the staging directory.
func (d *DefusedTempDir) Path() string { return filepath.Join(d.parent, d.name) }

// Relight restores cleanup duty and returns a live TempDir. It panics if
// called twice.
func (d *DefusedTempDir) Relight() *TempDir {
	if d.relit {
		panic(fmt.Sprintf("atomicdir: Relight called twice on temp dir %q", d.name))
	}

	d.relit = true

	return &TempDir{fs: d.fs, logger: d.logger, parent: d.parent, name: d.name}
}
