package atomicdir

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
	afs "github.com/calvinalkan/atomicdir/pkg/fs"
)

// testOptions returns options with a private lock table, so parallel tests
// never share in-process lock state.
func testOptions(t *testing.T) Options {
	t.Helper()

	fsys := afs.NewReal()

	return Options{FS: fsys, Locker: crosslock.NewLocker(fsys)}
}

// withFS returns opts performing filesystem operations through fsys.
func withFS(opts Options, fsys afs.FS) Options {
	opts.FS = fsys

	return opts
}

// createDir builds a managed directory at path holding files and returns it
// closed.
func createDir(t *testing.T, path string, files map[string]string, opts Options) {
	t.Helper()

	b, err := Create(path, opts)
	if err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}

	for rel, content := range files {
		err = b.WriteFile(rel, []byte(content))
		if err != nil {
			t.Fatalf("WriteFile(%q): %v", rel, err)
		}
	}

	d, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err = d.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// readTree returns every regular file under root keyed by its slash-separated
// relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()

	out := map[string]string{}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		out[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	if err != nil {
		t.Fatalf("walk %q: %v", root, err)
	}

	return out
}

func requireTree(t *testing.T, root string, want map[string]string) {
	t.Helper()

	if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
		t.Fatalf("tree %q mismatch (-want +got):\n%s", root, diff)
	}
}

// writeFiles creates plain files below root.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))

		err := os.MkdirAll(filepath.Dir(p), 0o755)
		if err != nil {
			t.Fatalf("mkdir: %v", err)
		}

		err = os.WriteFile(p, []byte(content), 0o644)
		if err != nil {
			t.Fatalf("write %q: %v", p, err)
		}
	}
}

func requireMissing(t *testing.T, path string) {
	t.Helper()

	_, err := os.Lstat(path)
	if !os.IsNotExist(err) {
		t.Fatalf("stat %q err=%v, want not exist", path, err)
	}
}

func requireExists(t *testing.T, path string) {
	t.Helper()

	_, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("stat %q: %v", path, err)
	}
}

// loadState reads the state file of the directory at path, accepting a
// poisoned state.
func loadState(t *testing.T, path string) DirState {
	t.Helper()

	st, err := readStateIgnoringPoison(afs.NewReal(), path+stateExt)
	if err != nil {
		t.Fatalf("reading state: %v", err)
	}

	return st
}
