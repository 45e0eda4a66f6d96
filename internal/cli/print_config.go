package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func (a *app) printConfigCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, a.cfg)
		},
	}
}

func execPrintConfig(o *IO, cfg Config) error {
	o.Println("effective_cwd=" + cfg.EffectiveCwd)
	o.Println("lock_timeout=" + cfg.LockTimeoutDur.String())
	o.Println("sweep_min_age=" + cfg.SweepMinAgeDur.String())
	o.Println("log_level=" + cfg.LogLevel)
	o.Println("log_format=" + cfg.LogFormat)

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
