package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CrashOp identifies an operation that can be crash-injected.
//
// These values are used by [FailpointConfig.Ops].
type CrashOp string

// Valid CrashOp values for failpoint configuration.
const (
	CrashOpOpen      CrashOp = "open"
	CrashOpCreate    CrashOp = "create"
	CrashOpOpenFile  CrashOp = "openfile"
	CrashOpReadFile  CrashOp = "readfile"
	CrashOpWriteFile CrashOp = "writefile"
	CrashOpReadDir   CrashOp = "readdir"
	CrashOpMkdir     CrashOp = "mkdir"
	CrashOpMkdirAll  CrashOp = "mkdirall"
	CrashOpStat      CrashOp = "stat"
	CrashOpExists    CrashOp = "exists"
	CrashOpRemove    CrashOp = "remove"
	CrashOpRemoveAll CrashOp = "removeall"
	CrashOpRename    CrashOp = "rename"
	CrashOpLink      CrashOp = "link"
	CrashOpFileWrite CrashOp = "file.write"
	CrashOpFileSync  CrashOp = "file.sync"
)

// FailpointConfig selects the operation at which a [Failpoint] simulates a
// crash.
//
// The zero value never triggers.
type FailpointConfig struct {
	// After triggers on the Nth eligible operation (1-indexed). If After is 0
	// but a filter is set, the first eligible operation triggers.
	After uint64

	// Ops restrict which operations are eligible. If empty, all operations
	// are eligible.
	Ops []CrashOp

	// Paths restrict eligibility to an exact set of paths. Both configured and
	// observed paths are cleaned with [filepath.Clean] before comparison.
	//
	// For [CrashOpRename] and [CrashOpLink] both the source and destination
	// are checked.
	Paths []string

	// PathPrefixes restrict eligibility to paths under one of these prefixes.
	// Matching is directory-aware: "/a" matches "/a" and "/a/b" but not "/ab".
	PathPrefixes []string

	// BaseSuffixes restrict eligibility to paths whose final element ends
	// with one of these suffixes (for example ".commit").
	BaseSuffixes []string
}

// CrashPanicError is the panic value raised by [Failpoint] when it triggers.
//
// It implements [error] and can be identified with errors.As.
type CrashPanicError struct {
	// Op is the operation that triggered the crash.
	Op CrashOp

	// Path is the path argument passed to the operation.
	Path string

	// NewPath is the destination path for rename and link.
	NewPath string

	// Seq is the 1-indexed count of eligible operations observed.
	Seq uint64
}

// Error implements [error].
func (p *CrashPanicError) Error() string {
	msg := fmt.Sprintf("failpoint: injected crash op=%s seq=%d", p.Op, p.Seq)
	if p.Path != "" {
		msg += fmt.Sprintf(" path=%q", p.Path)
	}

	if p.NewPath != "" {
		msg += fmt.Sprintf(" newpath=%q", p.NewPath)
	}

	return msg
}

// Failpoint wraps an [FS] and panics with a [*CrashPanicError] instead of
// performing the selected operation. Nothing the triggering operation would
// have done reaches the inner filesystem, so the on-disk state is exactly the
// state a process killed at that instant leaves behind.
//
// A Failpoint fires at most once. Afterwards it passes every operation through,
// which lets a test recover the panic and reopen the same tree.
//
// Intended for tests only.
type Failpoint struct {
	inner FS

	mu      sync.Mutex
	fired   bool
	count   uint64
	after   uint64
	armed   bool
	opSet   map[CrashOp]struct{}
	pathSet map[string]struct{}
	prefix  []string
	suffix  []string
	trigger *CrashPanicError
}

// NewFailpoint returns a Failpoint that forwards to inner.
// Panics if inner is nil.
func NewFailpoint(inner FS, cfg FailpointConfig) *Failpoint {
	if inner == nil {
		panic("inner fs is nil")
	}

	fp := &Failpoint{inner: inner}

	hasFilters := len(cfg.Ops) > 0 || len(cfg.Paths) > 0 ||
		len(cfg.PathPrefixes) > 0 || len(cfg.BaseSuffixes) > 0
	if cfg.After == 0 && !hasFilters {
		return fp
	}

	fp.armed = true

	fp.after = cfg.After
	if fp.after == 0 {
		fp.after = 1
	}

	if len(cfg.Ops) > 0 {
		fp.opSet = make(map[CrashOp]struct{}, len(cfg.Ops))
		for _, op := range cfg.Ops {
			fp.opSet[op] = struct{}{}
		}
	}

	if len(cfg.Paths) > 0 {
		fp.pathSet = make(map[string]struct{}, len(cfg.Paths))
		for _, p := range cfg.Paths {
			fp.pathSet[filepath.Clean(p)] = struct{}{}
		}
	}

	for _, p := range cfg.PathPrefixes {
		fp.prefix = append(fp.prefix, filepath.Clean(p))
	}

	fp.suffix = append(fp.suffix, cfg.BaseSuffixes...)

	return fp
}

// Fired reports whether the failpoint has triggered.
func (f *Failpoint) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fired
}

// Count returns the number of eligible operations observed so far.
func (f *Failpoint) Count() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.count
}

// Trigger returns the panic value raised when the failpoint fired, or nil.
func (f *Failpoint) Trigger() *CrashPanicError {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.trigger
}

func (f *Failpoint) check(op CrashOp, path, newPath string) {
	f.mu.Lock()

	if !f.armed || f.fired || !f.eligible(op, path, newPath) {
		f.mu.Unlock()

		return
	}

	f.count++
	if f.count != f.after {
		f.mu.Unlock()

		return
	}

	f.fired = true
	f.trigger = &CrashPanicError{Op: op, Path: path, NewPath: newPath, Seq: f.count}
	p := f.trigger
	f.mu.Unlock()

	panic(p)
}

func (f *Failpoint) eligible(op CrashOp, path, newPath string) bool {
	if len(f.opSet) > 0 {
		if _, ok := f.opSet[op]; !ok {
			return false
		}
	}

	return f.pathEligible(path) || (newPath != "" && f.pathEligible(newPath))
}

func (f *Failpoint) pathEligible(path string) bool {
	clean := filepath.Clean(path)

	if len(f.pathSet) > 0 {
		if _, ok := f.pathSet[clean]; !ok {
			return false
		}
	}

	if len(f.prefix) > 0 {
		matched := false

		for _, pref := range f.prefix {
			if pathHasPrefix(clean, pref) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if len(f.suffix) > 0 {
		base := filepath.Base(clean)
		matched := false

		for _, suf := range f.suffix {
			if strings.HasSuffix(base, suf) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// pathHasPrefix checks for a directory-aware prefix match.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}

	if strings.HasSuffix(prefix, string(os.PathSeparator)) {
		return strings.HasPrefix(path, prefix)
	}

	return strings.HasPrefix(path, prefix+string(os.PathSeparator))
}

func (f *Failpoint) wrap(file File, path string, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	return &failpointFile{File: file, fp: f, path: path}, nil
}

func (f *Failpoint) Open(path string) (File, error) {
	f.check(CrashOpOpen, path, "")
	file, err := f.inner.Open(path)

	return f.wrap(file, path, err)
}

func (f *Failpoint) Create(path string) (File, error) {
	f.check(CrashOpCreate, path, "")
	file, err := f.inner.Create(path)

	return f.wrap(file, path, err)
}

func (f *Failpoint) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f.check(CrashOpOpenFile, path, "")
	file, err := f.inner.OpenFile(path, flag, perm)

	return f.wrap(file, path, err)
}

func (f *Failpoint) ReadFile(path string) ([]byte, error) {
	f.check(CrashOpReadFile, path, "")

	return f.inner.ReadFile(path)
}

func (f *Failpoint) WriteFile(path string, data []byte, perm os.FileMode) error {
	f.check(CrashOpWriteFile, path, "")

	return f.inner.WriteFile(path, data, perm)
}

// WriteFileAtomic is reported as [CrashOpRename]: the only point at which an
// atomic write becomes visible is its final rename.
func (f *Failpoint) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f.check(CrashOpRename, path, "")

	return f.inner.WriteFileAtomic(path, data, perm)
}

func (f *Failpoint) ReadDir(path string) ([]os.DirEntry, error) {
	f.check(CrashOpReadDir, path, "")

	return f.inner.ReadDir(path)
}

func (f *Failpoint) Mkdir(path string, perm os.FileMode) error {
	f.check(CrashOpMkdir, path, "")

	return f.inner.Mkdir(path, perm)
}

func (f *Failpoint) MkdirAll(path string, perm os.FileMode) error {
	f.check(CrashOpMkdirAll, path, "")

	return f.inner.MkdirAll(path, perm)
}

func (f *Failpoint) Stat(path string) (os.FileInfo, error) {
	f.check(CrashOpStat, path, "")

	return f.inner.Stat(path)
}

func (f *Failpoint) Lstat(path string) (os.FileInfo, error) {
	f.check(CrashOpStat, path, "")

	return f.inner.Lstat(path)
}

func (f *Failpoint) Exists(path string) (bool, error) {
	f.check(CrashOpExists, path, "")

	return f.inner.Exists(path)
}

func (f *Failpoint) Remove(path string) error {
	f.check(CrashOpRemove, path, "")

	return f.inner.Remove(path)
}

func (f *Failpoint) RemoveAll(path string) error {
	f.check(CrashOpRemoveAll, path, "")

	return f.inner.RemoveAll(path)
}

func (f *Failpoint) Rename(oldpath, newpath string) error {
	f.check(CrashOpRename, oldpath, newpath)

	return f.inner.Rename(oldpath, newpath)
}

func (f *Failpoint) Link(oldname, newname string) error {
	f.check(CrashOpLink, oldname, newname)

	return f.inner.Link(oldname, newname)
}

// failpointFile intercepts the handle operations that affect durability.
type failpointFile struct {
	File

	fp   *Failpoint
	path string
}

func (h *failpointFile) Write(p []byte) (int, error) {
	h.fp.check(CrashOpFileWrite, h.path, "")

	return h.File.Write(p)
}

func (h *failpointFile) Sync() error {
	h.fp.check(CrashOpFileSync, h.path, "")

	return h.File.Sync()
}

// RecoverCrash runs fn and returns the [*CrashPanicError] it panicked with,
// or nil if fn returned normally. Any other panic is re-raised.
func RecoverCrash(fn func()) (crash *CrashPanicError) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err, ok := r.(error)
		if ok && errors.As(err, &crash) {
			return
		}

		panic(r)
	}()

	fn()

	return nil
}

// Compile-time interface check.
var _ FS = (*Failpoint)(nil)
