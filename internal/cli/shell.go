package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
)

var shellCommands = []string{
	"help", "state", "ls", "cat", "begin", "put", "rm", "cp", "staged",
	"commit", "abort", "lock", "quit",
}

// lineReader is the part of [liner.State] the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads shell input that is not a terminal, such as a pipe.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

// historyFile returns the path to the shell history file, or "" if there is
// no home directory.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".adir_history")
}

// newLineReader uses liner when input is an interactive terminal and plain
// line scanning for pipes, files and tests.
func (a *app) newLineReader() lineReader {
	if !isTerminal(a.in) {
		in := a.in
		if in == nil {
			in = strings.NewReader("")
		}

		return &scanReader{sc: bufio.NewScanner(in)}
	}

	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	l.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = l.ReadHistory(f)
		_ = f.Close()
	}

	return &historyLiner{State: l}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok || f != os.Stdin {
		return false
	}

	fd := f.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// historyLiner saves the history when the shell exits.
type historyLiner struct {
	*liner.State
}

func (h *historyLiner) Close() error {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = h.WriteHistory(f)
			_ = f.Close()
		}
	}

	return h.State.Close()
}

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell <dir>",
		Short: "Interactive shell holding the directory lock",
		Long: `Open the managed directory <dir> shared and read commands interactively.
Updates are staged with begin/put/rm/cp and applied with commit. Type
'help' inside the shell for the command list.`,
		Args: 1,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			s := &shell{a: a, o: o, dir: a.path(args[0])}

			return s.run(ctx)
		},
	}
}

// shell is one interactive session. Exactly one of d and b is set while the
// session runs: b while an update is being staged.
type shell struct {
	a   *app
	o   *IO
	dir string
	d   *atomicdir.Dir
	b   *atomicdir.Builder
}

func (s *shell) run(ctx context.Context) error {
	var err error

	s.d, err = atomicdir.Open(s.dir, s.a.opts)
	if err != nil {
		return err
	}

	defer s.close()

	r := s.a.newLineReader()
	defer func() { _ = r.Close() }()

	s.o.Printf("adir shell on %s (%s). Type 'help' for commands.\n", s.dir, s.d.State())

	for ctx.Err() == nil {
		line, err := r.Prompt("adir> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		r.AppendHistory(line)

		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			return nil
		}

		err = s.exec(cmd, fields[1:], line)
		if err != nil && s.d == nil && s.b == nil {
			// Lost the directory; nothing left to run commands against.
			return err
		}

		if err != nil {
			s.o.Println("error:", err)
		}
	}

	return ctx.Err()
}

func (s *shell) close() {
	if s.b != nil {
		_ = s.b.Close()
	}

	if s.d != nil {
		_ = s.d.Close()
	}
}

func (s *shell) exec(cmd string, args []string, line string) error {
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "state":
		return s.cmdState()
	case "ls":
		return s.cmdLs(args)
	case "cat":
		return s.cmdCat(args)
	case "begin":
		return s.cmdBegin()
	case "put":
		return s.cmdPut(args, line)
	case "rm":
		return s.cmdRm(args)
	case "cp":
		return s.cmdCp(args)
	case "staged":
		return s.cmdStaged()
	case "commit":
		return s.cmdCommit()
	case "abort":
		return s.cmdAbort()
	case "lock":
		s.cmdLock()
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}

	return nil
}

func (s *shell) printHelp() {
	s.o.Println(`Commands:
  state              show the directory state
  ls [rel]           list a directory
  cat <rel>          print a file
  begin              start staging an update
  put <rel> <text>   stage text as the new content of rel
  rm <rel>           stage removal of rel
  cp <src> <dst>     stage a copy of committed src at dst
  staged             list staged journal entries
  commit             apply the staged update atomically
  abort              discard the staged update
  lock               show the in-process lock queue
  quit               leave the shell`)
}

var (
	errUpdateInProgress = errors.New("update in progress (commit or abort first)")
	errNoUpdate         = errors.New("no update in progress (run begin first)")
)

func (s *shell) reader() (*atomicdir.Dir, error) {
	if s.b != nil {
		return nil, errUpdateInProgress
	}

	if s.d == nil {
		return nil, atomicdir.ErrReleased
	}

	return s.d, nil
}

func (s *shell) builder() (*atomicdir.Builder, error) {
	if s.b == nil {
		return nil, errNoUpdate
	}

	return s.b, nil
}

func (s *shell) cmdState() error {
	d, err := s.reader()
	if err != nil {
		return err
	}

	s.o.Println(d.State().String())

	return nil
}

func (s *shell) cmdLs(args []string) error {
	d, err := s.reader()
	if err != nil {
		return err
	}

	rel := ""
	if len(args) > 0 {
		rel = args[0]
	}

	return list(s.o, d, rel, false)
}

func (s *shell) cmdCat(args []string) error {
	d, err := s.reader()
	if err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.New("usage: cat <rel>")
	}

	data, err := d.ReadFile(args[0])
	if err != nil {
		return err
	}

	s.o.Println(string(data))

	return nil
}

func (s *shell) cmdBegin() error {
	d, err := s.reader()
	if err != nil {
		return err
	}

	b, err := d.BeginUpdate()
	if err != nil {
		return err
	}

	s.d, s.b = nil, b
	s.o.Println("staging in " + b.TempPath())

	return nil
}

// cmdPut takes the text verbatim from the line, so inner spacing survives.
func (s *shell) cmdPut(args []string, line string) error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	if len(args) < 1 {
		return errors.New("usage: put <rel> <text>")
	}

	_, rest, _ := strings.Cut(line, " ")
	_, text, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")

	return b.WriteFile(args[0], []byte(text))
}

func (s *shell) cmdRm(args []string) error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	if len(args) != 1 {
		return errors.New("usage: rm <rel>")
	}

	return b.RemoveFile(args[0])
}

func (s *shell) cmdCp(args []string) error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	if len(args) != 2 {
		return errors.New("usage: cp <src> <dst>")
	}

	return b.CopyFile(args[0], args[1])
}

func (s *shell) cmdStaged() error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	entries := b.Entries()
	if len(entries) == 0 {
		s.o.Println("(nothing staged)")
	}

	for _, e := range entries {
		s.o.Println(e.String())
	}

	return nil
}

func (s *shell) cmdCommit() error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	s.b = nil

	d, err := b.Commit()
	if err != nil {
		// The builder released the lock; take it again so the session can go on.
		var openErr error

		s.d, openErr = atomicdir.Open(s.dir, s.a.opts)
		if openErr != nil {
			return errors.Join(fmt.Errorf("%w (reopen failed)", err), openErr)
		}

		return err
	}

	s.d = d
	s.o.Println("committed (" + d.State().String() + ")")

	return nil
}

func (s *shell) cmdAbort() error {
	b, err := s.builder()
	if err != nil {
		return err
	}

	s.b = nil

	d, err := b.Abort()
	if err != nil {
		return err
	}

	s.d = d
	s.o.Println("aborted")

	return nil
}

func (s *shell) cmdLock() {
	info, ok := s.a.opts.Locker.Inspect(s.dir + ".lock")
	if !ok {
		s.o.Println("not held in this process")

		return
	}

	s.o.Printf("mode=%s holders=%d pending=%t\n", info.Mode, info.Holders, info.Pending)

	for i, g := range info.Groups {
		s.o.Printf("  group %d: %s waiters=%d\n", i, g.Mode, g.Waiters)
	}
}
