package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/atomicdir/pkg/fs"
)

func Test_Failpoint_Panics_On_Nth_Eligible_Op_Without_Performing_It(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fp := fs.NewFailpoint(fs.NewReal(), fs.FailpointConfig{
		After: 2,
		Ops:   []fs.CrashOp{fs.CrashOpWriteFile},
	})

	first := filepath.Join(dir, "a")
	second := filepath.Join(dir, "b")

	if err := fp.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile(a): %v", err)
	}

	crash := fs.RecoverCrash(func() {
		_ = fp.WriteFile(second, []byte("y"), 0o644)
	})
	if crash == nil {
		t.Fatal("expected injected crash")
	}

	if got, want := crash.Seq, uint64(2); got != want {
		t.Fatalf("seq=%d, want=%d", got, want)
	}

	if got, want := crash.Op, fs.CrashOpWriteFile; got != want {
		t.Fatalf("op=%v, want=%v", got, want)
	}

	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatalf("stat(b) err=%v, want not-exist", err)
	}

	if !fp.Fired() {
		t.Fatal("Fired()=false, want=true")
	}
}

func Test_Failpoint_Passes_Through_After_Firing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fp := fs.NewFailpoint(fs.NewReal(), fs.FailpointConfig{Ops: []fs.CrashOp{fs.CrashOpMkdir}})

	crash := fs.RecoverCrash(func() {
		_ = fp.Mkdir(filepath.Join(dir, "one"), 0o755)
	})
	if crash == nil {
		t.Fatal("expected injected crash")
	}

	if err := fp.Mkdir(filepath.Join(dir, "two"), 0o755); err != nil {
		t.Fatalf("Mkdir after fire: %v", err)
	}
}

func Test_Failpoint_Filters_By_Prefix_And_Base_Suffix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fp := fs.NewFailpoint(fs.NewReal(), fs.FailpointConfig{
		PathPrefixes: []string{dir},
		BaseSuffixes: []string{".commit"},
	})

	if err := fp.WriteFile(filepath.Join(dir, "data.txt"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := fp.Exists(filepath.Join(dir+"x", "d.commit")); err != nil {
		t.Fatalf("Exists: %v", err)
	}

	crash := fs.RecoverCrash(func() {
		_, _ = fp.Exists(filepath.Join(dir, "d.commit"))
	})
	if crash == nil {
		t.Fatal("expected injected crash")
	}
}

func Test_Failpoint_Intercepts_File_Sync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fp := fs.NewFailpoint(fs.NewReal(), fs.FailpointConfig{Ops: []fs.CrashOp{fs.CrashOpFileSync}})

	f, err := fp.Create(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Cleanup(func() { _ = f.Close() })

	if _, err := f.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	crash := fs.RecoverCrash(func() { _ = f.Sync() })
	if crash == nil {
		t.Fatal("expected injected crash")
	}
}

func Test_RecoverCrash_Returns_Nil_When_Fn_Does_Not_Panic(t *testing.T) {
	t.Parallel()

	if crash := fs.RecoverCrash(func() {}); crash != nil {
		t.Fatalf("crash=%v, want=nil", crash)
	}
}
