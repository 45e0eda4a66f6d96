package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_RealFS_Exists_Reports_Files_And_Directories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "data.state.json")

	if err := os.WriteFile(file, []byte("{}"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fsys := NewReal()

	for path, want := range map[string]bool{
		file:                              true,
		dir:                               true,
		filepath.Join(dir, "data.commit"): false,
	} {
		got, err := fsys.Exists(path)
		if err != nil {
			t.Fatalf("Exists(%q): %v", path, err)
		}

		if got != want {
			t.Fatalf("Exists(%q)=%v, want=%v", path, got, want)
		}
	}
}

func Test_RealFS_Exists_Returns_Error_When_Parent_Is_A_File(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "plain")

	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// ENOTDIR is not "missing", so it is surfaced.
	exists, err := NewReal().Exists(filepath.Join(file, "child"))
	if err == nil || exists {
		t.Fatalf("exists=%v err=%v, want=false and an error", exists, err)
	}
}

func Test_RealFS_Link_Returns_ErrExist_When_Target_Exists(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := os.WriteFile(dst, []byte("b"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := fsys.Link(src, dst)
	if got, want := err, os.ErrExist; !errors.Is(got, want) {
		t.Fatalf("err=%v, want=%v", got, want)
	}
}

func Test_RealFS_WriteFileAtomic_Sets_Requested_Mode(t *testing.T) {
	t.Parallel()

	fsys := NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := fsys.WriteFileAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o600); got != want {
		t.Fatalf("perm=%v, want=%v", got, want)
	}
}
