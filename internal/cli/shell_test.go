package cli_test

import (
	"io"
	"strings"
	"testing"

	"github.com/calvinalkan/atomicdir/internal/cli"
)

func Test_Shell_Stages_And_Commits_Update_When_Scripted(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("src/a.txt", "alpha")
	c.MustRun("create", "data", "--from", "src")

	script := strings.Join([]string{
		"state",
		"put a.txt too early",
		"begin",
		"cat a.txt",
		"put b.txt hello  world",
		"cp a.txt c.txt",
		"staged",
		"lock",
		"commit",
		"cat b.txt",
		"state",
		"quit",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", "data")
	if code != 0 {
		t.Fatalf("shell exit=%d stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "adir shell on "+c.Path("data")+" (sequence=1)")
	cli.AssertContains(t, stdout, "error: no update in progress")
	cli.AssertContains(t, stdout, "error: update in progress")
	cli.AssertContains(t, stdout, "Overwrite b.txt\nOverwrite c.txt")
	cli.AssertContains(t, stdout, "mode=shared holders=1 pending=false")
	cli.AssertContains(t, stdout, "committed (sequence=2)")
	cli.AssertContains(t, stdout, "hello  world")

	if got := c.ReadFile("data/c.txt"); got != "alpha" {
		t.Fatalf("c.txt=%q, want=%q", got, "alpha")
	}
}

func Test_Shell_Abort_And_EOF_Leave_Directory_Unchanged(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("src/a.txt", "alpha")
	c.MustRun("create", "data", "--from", "src")

	stdout, stderr, code := c.RunWithInput("begin\nrm a.txt\nabort\nls\nbegin\nput a.txt lost\n", "shell", "data")
	if code != 0 {
		t.Fatalf("shell exit=%d stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "aborted")
	cli.AssertContains(t, stdout, "a.txt")

	if got := c.ReadFile("data/a.txt"); got != "alpha" {
		t.Fatalf("a.txt=%q, want=%q", got, "alpha")
	}

	cli.AssertContains(t, c.MustRun("status", "data"), "staging_dirs=0")
}

// stepReader yields one line per Read and runs the hook registered for a
// line just before handing it out.
type stepReader struct {
	lines []string
	hooks map[int]func()
	next  int
}

func (r *stepReader) Read(p []byte) (int, error) {
	if r.next == len(r.lines) {
		return 0, io.EOF
	}

	if hook, ok := r.hooks[r.next]; ok {
		hook()
	}

	n := copy(p, r.lines[r.next]+"\n")
	r.next++

	return n, nil
}

func Test_Shell_Exits_With_Both_Errors_When_Commit_And_Reopen_Fail(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("src/a.txt", "alpha")
	c.MustRun("create", "data", "--from", "src")

	in := &stepReader{
		lines: []string{"begin", "put b.txt beta", "commit", "state"},
		hooks: map[int]func(){
			2: func() { c.WriteFile("data.state.json", "not json") },
		},
	}

	stdout, stderr, code := c.RunWithInput(in, "shell", "data")
	if code == 0 {
		t.Fatalf("shell exit=0, want non-zero (stdout=%s)", stdout)
	}

	cli.AssertContains(t, stderr, "reopen failed")
	cli.AssertContains(t, stderr, "data.state.json")
	cli.AssertNotContains(t, stdout, "committed")

	if in.next != 3 {
		t.Fatalf("lines read=%d, want=3", in.next)
	}
}
