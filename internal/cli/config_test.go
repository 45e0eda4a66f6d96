package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/atomicdir/internal/cli"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Print_Config_Defaults_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "lock_timeout=0s")
	cli.AssertContains(t, stdout, "sweep_min_age=1h0m0s")
	cli.AssertContains(t, stdout, "log_level=warn")
	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_From_Config_File_With_Comments_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, ".adir.json"), `{
		// Waiting forever is rarely what a cron job wants.
		"lock_timeout": "5s",
		"log_format": "json",
	}`)

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "lock_timeout=5s")
	cli.AssertContains(t, stdout, "log_format=json")
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".adir.json"))
}

func Test_Print_Config_Precedence_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	xdg := t.TempDir()
	c.Env["XDG_CONFIG_HOME"] = xdg

	writeFile(t, filepath.Join(xdg, "adir", "config.json"), `{"lock_timeout": "1s", "sweep_min_age": "2h"}`)
	writeFile(t, filepath.Join(c.Dir, "custom.json"), `{"lock_timeout": "3s"}`)

	stdout := c.MustRun("-c", "custom.json", "--log-level", "debug", "print-config")

	cli.AssertContains(t, stdout, "lock_timeout=3s")
	cli.AssertContains(t, stdout, "sweep_min_age=2h0m0s")
	cli.AssertContains(t, stdout, "log_level=debug")
	cli.AssertContains(t, stdout, "global_config="+filepath.Join(xdg, "adir", "config.json"))
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, "custom.json"))

	stdout = c.MustRun("-c", "custom.json", "--lock-timeout=250ms", "print-config")
	cli.AssertContains(t, stdout, "lock_timeout=250ms")
}

func Test_Config_Errors_When_Invoked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `{"lock_timeout": "soon"}`, want: "lock_timeout"},
		{name: "negative duration", content: `{"sweep_min_age": "-1h"}`, want: "must not be negative"},
		{name: "bad level", content: `{"log_level": "loud"}`, want: "log_level"},
		{name: "unknown key", content: `{"cache_dir": "x"}`, want: "unknown field"},
		{name: "bad jsonc", content: `{`, want: "invalid JSONC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := cli.NewCLI(t)
			writeFile(t, filepath.Join(c.Dir, ".adir.json"), tt.content)

			stderr := c.MustFail("print-config")
			cli.AssertContains(t, stderr, "invalid config file")
			cli.AssertContains(t, stderr, tt.want)
		})
	}
}

func Test_Config_Explicit_File_Missing_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--config", "nope.json", "print-config")

	cli.AssertContains(t, stderr, "config file not found: nope.json")
}
