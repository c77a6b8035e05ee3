package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/waftester/vulnassess/pkg/config"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/ui"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfgPath string
	noColor bool
	silent  bool

	// bindings maps flags to config keys; applied after parsing so a
	// changed flag overrides the file and environment.
	bindings map[*pflag.Flag]string

	cfg    *config.Config
	logger *slog.Logger
}

// bind registers flag name on fs as the override for config key.
func (a *app) bind(fs *pflag.FlagSet, name, key string) {
	a.bindings[fs.Lookup(name)] = key
}

func (a *app) load() error {
	v, err := config.NewViper()
	if err != nil {
		return err
	}
	if err := a.applyBindings(v); err != nil {
		return err
	}
	cfg, err := config.FromViper(v, a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger(a.stderr)
	slog.SetDefault(a.logger)
	ui.SetNoColor(a.noColor || !ui.IsTerminal(a.stderr))
	ui.SetSilent(a.silent)
	return nil
}

func (a *app) applyBindings(v *viper.Viper) error {
	for f, key := range a.bindings {
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, bindings: map[*pflag.Flag]string{}}

	root := &cobra.Command{
		Use:   defaults.ToolName,
		Short: "Active vulnerability assessment engine",
		Long: "vulnassess probes an authorized host for open services, web and API weaknesses\n" +
			"and known CVEs, then scores and reports the findings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "YAML config file")
	pf.String("log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	pf.String("log-format", defaults.LogFormat, "Log format: text or json")
	pf.BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	pf.BoolVarP(&a.silent, "silent", "s", false, "Suppress banner and progress output")
	a.bind(pf, "log-level", "log.level")
	a.bind(pf, "log-format", "log.format")

	root.AddCommand(
		newScanCmd(a),
		newServeCmd(a),
		newCVECmd(a),
		newCatalogCmd(a),
		newHistoryCmd(a),
		newVersionCmd(a),
	)
	return root
}
