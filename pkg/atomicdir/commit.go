package atomicdir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

const (
	commitVersion = 1

	// maxJournalSize bounds how much of a journal file is read.
	maxJournalSize = 128 << 20
)

// EntryType is the kind of a [CommitEntry].
type EntryType string

const (
	// EntryOverwrite replaces the destination with the file staged at the same
	// relative path in the temp dir.
	EntryOverwrite EntryType = "Overwrite"
	// EntryDelete removes the path.
	EntryDelete EntryType = "Delete"
)

// CommitEntry is one step of a journal. Paths are slash-separated and
// relative to the managed directory.
type CommitEntry struct {
	typ  EntryType
	path string
}

// OverwriteEntry returns an entry that moves the staged file at dest over
// dest in the managed directory.
func OverwriteEntry(dest string) CommitEntry {
	return CommitEntry{typ: EntryOverwrite, path: dest}
}

// DeleteEntry returns an entry that removes path from the managed directory.
func DeleteEntry(path string) CommitEntry {
	return CommitEntry{typ: EntryDelete, path: path}
}

func (e CommitEntry) Type() EntryType { return e.typ }

func (e CommitEntry) Path() string { return e.path }

func (e CommitEntry) String() string {
	return string(e.typ) + " " + e.path
}

type entryJSON struct {
	Type     EntryType `json:"type"`
	DestPath string    `json:"dest_path,omitempty"`
	Path     string    `json:"path,omitempty"`
}

func (e CommitEntry) MarshalJSON() ([]byte, error) {
	switch e.typ {
	case EntryOverwrite:
		return json.Marshal(entryJSON{Type: e.typ, DestPath: e.path})
	case EntryDelete:
		return json.Marshal(entryJSON{Type: e.typ, Path: e.path})
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrInvalidData, e.typ)
	}
}

func (e *CommitEntry) UnmarshalJSON(data []byte) error {
	var raw entryJSON

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	switch raw.Type {
	case EntryOverwrite:
		*e = OverwriteEntry(raw.DestPath)
	case EntryDelete:
		*e = DeleteEntry(raw.Path)
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidData, raw.Type)
	}

	return nil
}

// CommitSchema is the journal of one commit: the staging directory holding
// the new content and the ordered entries that apply it.
//
// It is written to "<name>.commit" before the managed directory is touched
// and removed only after every entry applied. Finding it on disk means a
// commit was interrupted and must be replayed.
type CommitSchema struct {
	version uint32
	tempDir string
	entries []CommitEntry
}

type commitJSON struct {
	Version *uint32       `json:"version"`
	TempDir string        `json:"temp_dir"`
	Entries []CommitEntry `json:"entries"`
}

// NewCommitSchema builds a validated journal for the given temp dir name.
func NewCommitSchema(tempDir string, entries []CommitEntry) (*CommitSchema, error) {
	c := &CommitSchema{
		version: commitVersion,
		tempDir: tempDir,
		entries: append([]CommitEntry(nil), entries...),
	}

	err := c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the version, the temp dir name and every entry path.
func (c *CommitSchema) Validate() error {
	if c.version != commitVersion {
		return fmt.Errorf("%w: commit version %d", ErrUnsupportedVersion, c.version)
	}

	err := validateSingleComponent(c.tempDir)
	if err != nil {
		return fmt.Errorf("temp_dir: %w", err)
	}

	deleted := make(map[string]struct{})

	for i, e := range c.entries {
		if e.typ != EntryOverwrite && e.typ != EntryDelete {
			return fmt.Errorf("%w: entry %d: unknown type %q", ErrInvalidData, i, e.typ)
		}

		clean, err := cleanRelPath(e.path)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}

		if clean != e.path {
			return fmt.Errorf("%w: entry %d: path %q is not canonical", ErrInvalidPath, i, e.path)
		}

		if e.typ == EntryDelete {
			deleted[e.path] = struct{}{}

			continue
		}

		// A replay would delete what this entry moved in the first time.
		if p, ok := deletedAncestor(deleted, e.path); ok {
			return fmt.Errorf("%w: entry %d: overwrite of %q follows delete of %q", ErrInvalidData, i, e.path, p)
		}
	}

	return nil
}

// deletedAncestor reports the first of rel and its parents found in deleted.
func deletedAncestor(deleted map[string]struct{}, rel string) (string, bool) {
	for p := rel; p != "."; p = path.Dir(p) {
		if _, ok := deleted[p]; ok {
			return p, true
		}
	}

	return "", false
}

func (c *CommitSchema) Version() uint32 { return c.version }

// TempDir returns the name of the staging directory, a sibling of the managed
// directory.
func (c *CommitSchema) TempDir() string { return c.tempDir }

// Entries returns a copy of the entries in apply order.
func (c *CommitSchema) Entries() []CommitEntry {
	return append([]CommitEntry(nil), c.entries...)
}

// Marshal returns the journal file body.
func (c *CommitSchema) Marshal() ([]byte, error) {
	entries := c.entries
	if entries == nil {
		entries = []CommitEntry{}
	}

	v := c.version

	return json.Marshal(commitJSON{Version: &v, TempDir: c.tempDir, Entries: entries})
}

// ParseCommitSchema decodes and validates a journal file body. Every failure
// matches [ErrInvalidData].
func ParseCommitSchema(data []byte) (*CommitSchema, error) {
	var raw commitJSON

	err := json.Unmarshal(data, &raw)
	if err != nil {
		if errors.Is(err, ErrInvalidData) {
			return nil, fmt.Errorf("journal: %w", err)
		}

		return nil, fmt.Errorf("%w: journal: %w", ErrInvalidData, err)
	}

	if raw.Version == nil {
		return nil, fmt.Errorf("%w: journal: missing version", ErrInvalidData)
	}

	c := &CommitSchema{version: *raw.Version, tempDir: raw.TempDir, entries: raw.Entries}

	err = c.Validate()
	if err != nil {
		if errors.Is(err, ErrInvalidData) {
			return nil, fmt.Errorf("journal: %w", err)
		}

		return nil, fmt.Errorf("%w: journal: %w", ErrInvalidData, err)
	}

	return c, nil
}

// readJournal loads the journal at path. A missing journal is the normal case
// and returns (nil, nil).
func readJournal(fsys fs.FS, path string) (*CommitSchema, error) {
	info, err := fsys.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("stat journal: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: journal %q is not a regular file", ErrInvalidData, path)
	}

	if info.Size() > maxJournalSize {
		return nil, fmt.Errorf("%w: journal %q is %d bytes, limit %d", ErrInvalidData, path, info.Size(), maxJournalSize)
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxJournalSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	if len(data) > maxJournalSize {
		return nil, fmt.Errorf("%w: journal %q exceeds %d bytes", ErrInvalidData, path, maxJournalSize)
	}

	return ParseCommitSchema(data)
}

// writeJournal durably creates the journal at path. It never replaces an
// existing journal: that fails with an error matching [os.ErrExist].
func writeJournal(fsys fs.FS, path string, c *CommitSchema) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}

	w := fs.NewAtomicWriter(fsys)

	err = w.Write(path, bytes.NewReader(data), fs.AtomicWriteOptions{
		Perm:    filePerm,
		Publish: fs.PublishLink,
	})
	if err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}

	return nil
}

// removeJournal deletes the journal and syncs its directory. A missing
// journal is not an error.
func removeJournal(fsys fs.FS, path, parent string) error {
	err := fsys.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing journal: %w", err)
	}

	err = fs.SyncDir(fsys, parent)
	if err != nil {
		return fmt.Errorf("removing journal: %w", err)
	}

	return nil
}
