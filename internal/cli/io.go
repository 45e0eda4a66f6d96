package cli

import (
	"fmt"
	"io"
)

// warning is an operator-facing problem found while running a command, with
// the action that resolves it.
type warning struct {
	issue  string
	action string
}

func (w warning) String() string {
	return "warning: " + w.issue + ": " + w.action
}

// IO routes command output. Warnings go to stderr twice: before the first
// line of regular output and again from [IO.Finish], so they stay visible when
// stdout is piped through head or tail. Any warning turns the exit code to 1.
type IO struct {
	out    io.Writer
	errOut io.Writer

	warnings []warning
	// announced is set once the warnings were printed ahead of the output.
	announced bool
}

func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a warning. It does not suppress regular output.
func (o *IO) Warn(issue, action string) {
	o.warnings = append(o.warnings, warning{issue: issue, action: action})
}

func (o *IO) Println(a ...any) {
	o.announce()
	_, _ = fmt.Fprintln(o.out, a...)
}

func (o *IO) Printf(format string, a ...any) {
	o.announce()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// stderr returns an IO writing everything to stderr. Used for help text that
// follows a usage error.
func (o *IO) stderr() *IO {
	return NewIO(o.errOut, o.errOut)
}

// Finish repeats the warnings at the end of the output and returns the exit
// code: 1 with warnings, 0 without.
func (o *IO) Finish() int {
	if len(o.warnings) == 0 {
		return 0
	}

	o.announce()
	o.printWarnings()

	return 1
}

func (o *IO) announce() {
	if o.announced || len(o.warnings) == 0 {
		return
	}

	o.announced = true
	o.printWarnings()
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, w)
	}
}
