package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

const (
	testContentOld = "old"
	testContentNew = "new"
)

func Test_AtomicWriter_Write_Replaces_Existing_File_When_Publishing_By_Rename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(path, []byte(testContentOld), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(path, strings.NewReader(testContentNew), fs.AtomicWriteOptions{})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentNew {
		t.Fatalf("content=%q, want=%q", string(got), testContentNew)
	}

	assertNoTempFiles(t, dir)
}

func Test_AtomicWriter_Write_Returns_ErrExist_When_Linking_Over_Existing_Path(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	if err := os.WriteFile(path, []byte(testContentOld), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	writer := fs.NewAtomicWriter(fs.NewReal())
	err := writer.Write(path, strings.NewReader(testContentNew), fs.AtomicWriteOptions{Publish: fs.PublishLink})
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("err=%v, want=%v", err, os.ErrExist)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentOld {
		t.Fatalf("content=%q, want=%q", string(got), testContentOld)
	}

	assertNoTempFiles(t, dir)
}

func Test_AtomicWriter_Write_Creates_File_With_Perm_When_Linking_To_Missing_Path(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write(path, strings.NewReader(testContentNew), fs.AtomicWriteOptions{
		Perm:    0o600,
		Publish: fs.PublishLink,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o600); got != want {
		t.Fatalf("perm=%v, want=%v", got, want)
	}

	assertNoTempFiles(t, dir)
}

func Test_AtomicWriter_Write_Leaves_Old_Content_When_Crashing_Before_Rename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(path, []byte(testContentOld), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	fp := fs.NewFailpoint(fs.NewReal(), fs.FailpointConfig{Ops: []fs.CrashOp{fs.CrashOpRename}})
	writer := fs.NewAtomicWriter(fp)

	crash := fs.RecoverCrash(func() {
		_ = writer.Write(path, strings.NewReader(testContentNew), fs.AtomicWriteOptions{})
	})
	if crash == nil {
		t.Fatal("expected injected crash")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentOld {
		t.Fatalf("content=%q, want=%q", string(got), testContentOld)
	}
}

func Test_AtomicWriter_Write_Rejects_Path_Without_File_Name(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	for _, path := range []string{"", t.TempDir() + "/", t.TempDir() + "/.."} {
		err := writer.Write(path, strings.NewReader(testContentNew), fs.AtomicWriteOptions{})
		if err == nil {
			t.Fatalf("Write(%q): want error", path)
		}
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %q", e.Name())
		}
	}
}
