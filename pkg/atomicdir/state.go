package atomicdir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

const stateSchema = 1

// DirState is the versioned record kept in "<name>.state.json" beside a
// managed directory.
//
// The sequence number increases with every commit and is the optimistic
// concurrency token: two states are the same if their sequences are equal.
// The poison flag marks a directory whose last operation did not complete;
// nothing in this package clears it except [Repair].
type DirState struct {
	sequence uint32
	poisoned bool
}

type stateJSON struct {
	Schema   *uint32 `json:"schema"`
	Sequence *uint32 `json:"sequence"`
	Poisoned *bool   `json:"poisoned"`
}

// NewDirState returns the state of a freshly created directory: sequence 1,
// not poisoned.
func NewDirState() DirState {
	return DirState{sequence: 1}
}

// LoadDirState parses a state file body.
//
// Malformed JSON yields [ErrInvalidData]. A schema other than the supported
// one yields [ErrUnsupportedVersion], checked before the poison flag. A
// poisoned state yields [ErrPoisoned] together with the parsed state.
func LoadDirState(data []byte) (DirState, error) {
	st, err := decodeDirState(data)
	if err != nil {
		return DirState{}, err
	}

	if st.poisoned {
		return st, fmt.Errorf("%w (sequence %d)", ErrPoisoned, st.sequence)
	}

	return st, nil
}

func decodeDirState(data []byte) (DirState, error) {
	var raw stateJSON

	dec := json.NewDecoder(bytes.NewReader(data))

	err := dec.Decode(&raw)
	if err != nil {
		return DirState{}, fmt.Errorf("%w: state: %w", ErrInvalidData, err)
	}

	if dec.More() {
		return DirState{}, fmt.Errorf("%w: state: trailing data", ErrInvalidData)
	}

	if raw.Schema == nil {
		return DirState{}, fmt.Errorf("%w: state: missing schema", ErrInvalidData)
	}

	if *raw.Schema != stateSchema {
		return DirState{}, fmt.Errorf("%w: state schema %d", ErrUnsupportedVersion, *raw.Schema)
	}

	if raw.Sequence == nil || raw.Poisoned == nil {
		return DirState{}, fmt.Errorf("%w: state: missing sequence or poisoned", ErrInvalidData)
	}

	return DirState{sequence: *raw.Sequence, poisoned: *raw.Poisoned}, nil
}

// Marshal returns the state file body.
func (s DirState) Marshal() ([]byte, error) {
	schema := uint32(stateSchema)

	return json.Marshal(stateJSON{Schema: &schema, Sequence: &s.sequence, Poisoned: &s.poisoned})
}

// Next returns the state after one more commit. The sequence wraps on
// overflow; the poison flag is carried over.
func (s DirState) Next() DirState {
	return DirState{sequence: s.sequence + 1, poisoned: s.poisoned}
}

// Poison returns a copy of s with the poison flag set.
func (s DirState) Poison() DirState {
	s.poisoned = true

	return s
}

// IsSame reports whether s and other have the same sequence number.
func (s DirState) IsSame(other DirState) bool {
	return s.sequence == other.sequence
}

func (s DirState) Sequence() uint32 { return s.sequence }

func (s DirState) Poisoned() bool { return s.poisoned }

func (s DirState) String() string {
	if s.poisoned {
		return fmt.Sprintf("sequence=%d poisoned", s.sequence)
	}

	return fmt.Sprintf("sequence=%d", s.sequence)
}

// readState loads the state file at path. A missing file is reported as an
// error matching [os.ErrNotExist].
func readState(fsys fs.FS, path string) (DirState, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DirState{}, fmt.Errorf("state file %q missing (run init or repair): %w", path, err)
		}

		return DirState{}, fmt.Errorf("reading state file: %w", err)
	}

	st, err := LoadDirState(data)
	if err != nil {
		return st, fmt.Errorf("state file %q: %w", path, err)
	}

	return st, nil
}

// readStateIgnoringPoison loads the state file but accepts a poisoned state.
func readStateIgnoringPoison(fsys fs.FS, path string) (DirState, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return DirState{}, fmt.Errorf("reading state file: %w", err)
	}

	st, err := decodeDirState(data)
	if err != nil {
		return DirState{}, fmt.Errorf("state file %q: %w", path, err)
	}

	return st, nil
}

// writeState atomically replaces the state file and syncs its directory.
func writeState(fsys fs.FS, path string, st DirState) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	err = fsys.WriteFileAtomic(path, data, filePerm)
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	err = fs.SyncDir(fsys, filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	return nil
}
