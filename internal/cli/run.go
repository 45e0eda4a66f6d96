package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/atomicdir/pkg/atomicdir"
	"github.com/calvinalkan/atomicdir/pkg/crosslock"
	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// exitInterrupted is the conventional exit code after SIGINT.
const exitInterrupted = 130

type globalFlags struct {
	workDir     string
	configPath  string
	lockTimeout string
	logLevel    string
	logFormat   string
	help        bool
}

func newGlobalFlagSet(g *globalFlags) *flag.FlagSet {
	globals := flag.NewFlagSet("adir", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(io.Discard)

	globals.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	globals.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	globals.StringVar(&g.lockTimeout, "lock-timeout", "", "Give up waiting for a lock after `duration` (0 waits forever)")
	globals.StringVar(&g.logLevel, "log-level", "", "Log `level`: debug, info, warn or error")
	globals.StringVar(&g.logFormat, "log-format", "", "Log `format`: text or json")
	globals.BoolVarP(&g.help, "help", "h", false, "Show help")

	return globals
}

// app carries what every command needs. It is filled after the config is
// loaded, so commands can be listed in the usage before that.
type app struct {
	in   io.Reader
	cfg  Config
	opts atomicdir.Options
}

// path resolves a command line path against the effective working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(a.cfg.EffectiveCwd, p)
}

func (a *app) commands() []*Command {
	return []*Command{
		a.createCmd(),
		a.initCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.catCmd(),
		a.lsCmd(),
		a.statusCmd(),
		a.recoverCmd(),
		a.repairCmd(),
		a.sweepCmd(),
		a.shellCmd(),
		a.printConfigCmd(),
	}
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	var g globalFlags

	globals := newGlobalFlagSet(&g)
	a := &app{in: in}
	commands := a.commands()

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals, commands)

		return 1
	}

	rest := globals.Args()
	if g.help || len(rest) == 0 {
		printUsage(out, globals, commands)

		return 0
	}

	var cmd *Command

	for _, c := range commands {
		if c.Name() == rest[0] {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		fprintln(errOut)
		printUsage(errOut, globals, commands)

		return 1
	}

	a.cfg, err = LoadConfig(LoadConfigInput{
		WorkDirOverride: g.workDir,
		ConfigPath:      g.configPath,
		Overrides:       Config{LockTimeout: g.lockTimeout, LogLevel: g.logLevel, LogFormat: g.logFormat},
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	fsys := fs.NewReal()
	a.opts = atomicdir.Options{
		FS:          fsys,
		Locker:      crosslock.Default(),
		Logger:      newLogger(a.cfg, errOut),
		LockTimeout: a.cfg.LockTimeoutDur,
	}

	o := NewIO(out, errOut)

	code := runInterruptible(cmd, o, rest[1:], sigCh)
	if code != 0 {
		return code
	}

	return o.Finish()
}

// runInterruptible runs cmd and gives up on the first signal. A command
// blocked on a lock cannot be cancelled; the process exits instead, which
// releases every lock it holds.
func runInterruptible(cmd *Command, o *IO, args []string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, o, args)
	}()

	select {
	case code := <-done:
		return code
	case sig := <-sigCh:
		cancel()
		o.ErrPrintln("error: interrupted by", sig)

		return exitInterrupted
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `adir - crash-safe atomic directory updates

Usage: adir [flags] <command> [args]

Global flags:`)

	var buf strings.Builder

	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(io.Discard)

	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "adir <command> --help" for command flags.`)
}
