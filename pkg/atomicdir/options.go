package atomicdir

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/calvinalkan/atomicdir/pkg/crosslock"
	"github.com/calvinalkan/atomicdir/pkg/fs"
)

// Options configures every entry point of this package. The zero value is
// usable: nil fields are filled from [DefaultOptions].
type Options struct {
	// FS performs all directory, journal and state file operations.
	FS fs.FS

	// Locker arbitrates the directory locks. Callers that share a directory
	// inside one process must share a Locker to get fair queuing.
	Locker *crosslock.Locker

	// Logger receives recovery, poisoning and cleanup events.
	// Nil discards them.
	Logger *slog.Logger

	// LockTimeout bounds how long blocking acquisitions wait.
	// Zero waits forever.
	LockTimeout time.Duration
}

// DefaultOptions returns options backed by the real filesystem and the
// process-wide locker.
func DefaultOptions() Options {
	return Options{
		FS:     fs.NewReal(),
		Locker: crosslock.Default(),
		Logger: slog.New(slog.DiscardHandler),
	}
}

func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()

	if o.FS == nil {
		o.FS = def.FS
	}

	if o.Locker == nil {
		o.Locker = def.Locker
	}

	if o.Logger == nil {
		o.Logger = def.Logger
	}

	if o.LockTimeout < 0 {
		return o, fmt.Errorf("%w: lock timeout %s", ErrInvalidTimeout, o.LockTimeout)
	}

	return o, nil
}
