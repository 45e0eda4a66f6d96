package atomicdir

import (
	"errors"
	"path/filepath"
	"testing"

	afs "github.com/calvinalkan/atomicdir/pkg/fs"
)

func Test_ApplyEntries_Is_Idempotent_When_Replayed(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "data")
	temp := filepath.Join(parent, ".data.abcdefghij.tmpdir")

	writeFiles(t, dir, map[string]string{"a": "old", "gone/x": "x", "keep": "k"})
	writeFiles(t, temp, map[string]string{"a": "new", "sub/b": "b"})

	entries := []CommitEntry{OverwriteEntry("a"), OverwriteEntry("sub/b"), DeleteEntry("gone")}
	want := map[string]string{"a": "new", "sub/b": "b", "keep": "k"}

	for i := range 3 {
		err := applyEntries(afs.NewReal(), dir, temp, entries)
		if err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}

		requireTree(t, dir, want)
	}

	requireTree(t, temp, map[string]string{})
}

func Test_ApplyEntries_Replays_Partially_Applied_List(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "data")
	temp := filepath.Join(parent, ".data.abcdefghij.tmpdir")

	// "a" was moved before the crash, "b" was not.
	writeFiles(t, dir, map[string]string{"a": "new-a", "b": "old-b"})
	writeFiles(t, temp, map[string]string{"b": "new-b"})

	err := applyEntries(afs.NewReal(), dir, temp, []CommitEntry{OverwriteEntry("a"), OverwriteEntry("b")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	requireTree(t, dir, map[string]string{"a": "new-a", "b": "new-b"})
}

func Test_ApplyEntries_Collects_Every_Failure_And_Applies_The_Rest(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "data")
	temp := filepath.Join(parent, ".data.abcdefghij.tmpdir")

	writeFiles(t, dir, map[string]string{"blocked/inner": "i", "file": "f"})
	writeFiles(t, temp, map[string]string{"blocked": "b", "ok": "ok", "file/child": "c"})

	err := applyEntries(afs.NewReal(), dir, temp, []CommitEntry{
		OverwriteEntry("blocked"),
		OverwriteEntry("ok"),
		OverwriteEntry("file/child"),
	})

	var aerr *ApplyError
	if !errors.As(err, &aerr) {
		t.Fatalf("err=%v, want *ApplyError", err)
	}

	if len(aerr.Failures) != 2 || aerr.Total != 3 {
		t.Fatalf("failures=%d total=%d, want=2 total=3", len(aerr.Failures), aerr.Total)
	}

	if got := aerr.Failures[0].Entry.Path(); got != "blocked" {
		t.Fatalf("first failure=%q, want=%q", got, "blocked")
	}

	if got := aerr.Failures[1].Entry.Path(); got != "file/child" {
		t.Fatalf("second failure=%q, want=%q", got, "file/child")
	}

	requireTree(t, dir, map[string]string{"blocked/inner": "i", "file": "f", "ok": "ok"})
}

func Test_ApplyEntries_Replaces_Directory_With_Staged_Directory_When_Replayed(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "data")
	temp := filepath.Join(parent, ".data.abcdefghij.tmpdir")

	writeFiles(t, dir, map[string]string{"d/old": "old", "d/sub/deep": "deep", "keep": "k"})
	writeFiles(t, temp, map[string]string{"d/x": "new"})

	entries := []CommitEntry{OverwriteEntry("d")}
	want := map[string]string{"d/x": "new", "keep": "k"}

	for i := range 2 {
		err := applyEntries(afs.NewReal(), dir, temp, entries)
		if err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}

		requireTree(t, dir, want)
	}

	requireMissing(t, filepath.Join(temp, "d"))
}
