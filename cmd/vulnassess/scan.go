package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/target"
	"github.com/waftester/vulnassess/pkg/ui"
)

type scanOptions struct {
	ports      string
	urls       []string
	authorized bool
	bearer     string
	headers    []string
	cookies    []string
	format     string
	output     string
	failOn     string
	verbose    bool
}

func newScanCmd(a *app) *cobra.Command {
	var o scanOptions
	cmd := &cobra.Command{
		Use:   "scan HOST",
		Short: "Assess one host and print the report",
		Example: `  vulnassess scan scanme.example --authorized
  vulnassess scan 10.0.0.5 --ports 1-1024 --profile deep --authorized -o report.html
  vulnassess scan api.example --url https://api.example/v2 --bearer-token $TOKEN --authorized --fail-on high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.scan(cmd.Context(), args[0], o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.ports, "ports", "p", "", "Port range, e.g. 22,80,8000-8100 (default: profile ports)")
	f.StringSliceVarP(&o.urls, "url", "u", nil, "Base URL to probe (repeatable; default derived from open web ports)")
	f.BoolVar(&o.authorized, "authorized", false, "Confirm you are authorized to test this host")
	f.StringVar(&o.bearer, "bearer-token", "", "Bearer token sent with every probe")
	f.StringArrayVarP(&o.headers, "header", "H", nil, `Extra request header "Name: value" (repeatable)`)
	f.StringArrayVar(&o.cookies, "cookie", nil, "Cookie name=value (repeatable)")
	f.StringVarP(&o.format, "format", "f", "", "Report format: json, markdown, html (default from --output extension)")
	f.StringVarP(&o.output, "output", "o", "", `Write the report to a file ("-" for stdout)`)
	f.StringVar(&o.failOn, "fail-on", "", "Exit with code 2 when a finding reaches this severity")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Show every open port as it is found")

	f.String("profile", "", "Scan profile: quick, standard, deep, or a port list")
	f.String("scoring", "", "Scoring profile name")
	f.StringSlice("classes", nil, "Vulnerability classes to test (default: all)")
	f.Bool("skip-web", false, "Skip the web probe phase")
	f.Bool("skip-api", false, "Skip the API probe phase")
	f.Float64("rate-limit", 0, "Probe requests per second")
	f.Duration("run-timeout", 0, "Overall run deadline")
	f.String("proxy", "", "HTTP proxy for probes")
	a.bind(f, "profile", "scan.profile")
	a.bind(f, "scoring", "scan.scoring_profile")
	a.bind(f, "classes", "scan.classes")
	a.bind(f, "skip-web", "scan.skip_web")
	a.bind(f, "skip-api", "scan.skip_api")
	a.bind(f, "rate-limit", "scan.rate_limit")
	a.bind(f, "run-timeout", "scan.run_timeout")
	a.bind(f, "proxy", "scan.proxy")
	return cmd
}

func (o scanOptions) spec(host string) (target.Spec, error) {
	spec := target.Spec{
		Host:       host,
		Ports:      o.ports,
		BaseURLs:   o.urls,
		Authorized: o.authorized,
	}
	if o.bearer == "" && len(o.headers) == 0 && len(o.cookies) == 0 {
		return spec, nil
	}
	auth := &target.AuthContext{BearerToken: o.bearer}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return spec, fmt.Errorf("%w: header %q must be \"Name: value\"", finding.ErrConfiguration, h)
		}
		if auth.Headers == nil {
			auth.Headers = map[string]string{}
		}
		auth.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	for _, c := range o.cookies {
		name, value, ok := strings.Cut(c, "=")
		if !ok || name == "" {
			return spec, fmt.Errorf("%w: cookie %q must be name=value", finding.ErrConfiguration, c)
		}
		if auth.Cookies == nil {
			auth.Cookies = map[string]string{}
		}
		auth.Cookies[name] = value
	}
	spec.Auth = auth
	return spec, nil
}

// reportFormat picks the format flag, else the output extension, else JSON.
func (o scanOptions) reportFormat() (report.Format, error) {
	if o.format != "" {
		return report.ParseFormat(o.format)
	}
	switch strings.ToLower(filepath.Ext(o.output)) {
	case ".md":
		return report.FormatMarkdown, nil
	case ".html", ".htm":
		return report.FormatHTML, nil
	}
	return report.FormatJSON, nil
}

func (a *app) scan(ctx context.Context, host string, o scanOptions) error {
	spec, err := o.spec(host)
	if err != nil {
		return err
	}
	format, err := o.reportFormat()
	if err != nil {
		return err
	}
	var failOn finding.Severity
	if o.failOn != "" {
		failOn = finding.Severity(strings.ToLower(o.failOn))
		if !failOn.IsValid() {
			return fmt.Errorf("%w: --fail-on %q", finding.ErrConfiguration, o.failOn)
		}
	}
	profile, err := a.cfg.ScanProfile()
	if err != nil {
		return err
	}

	ui.PrintBanner(a.stderr)
	ui.PrintConfig(a.stderr, map[string]string{
		"target":          host,
		"profile":         profile.String(),
		"scoring_profile": a.cfg.Scan.ScoringProfile,
		"rate_limit":      strconv.FormatFloat(a.cfg.Scan.RateLimit, 'f', -1, 64) + " req/s",
	})

	d := hooks.NewDispatcher(hooks.Config{Logger: a.logger})
	defer d.Close()
	d.Register(hooks.NewLoggerHook(a.logger), ui.NewLiveProgress(a.stderr, o.verbose))

	runs, err := a.openHistory()
	if err != nil {
		return err
	}
	store := a.openCVEStore(ctx, d)
	eng, err := a.newEngine(store, runs, d)
	if err != nil {
		return err
	}
	defer eng.Shutdown(context.WithoutCancel(ctx))

	id, err := eng.Start(ctx, spec, profile)
	if err != nil {
		return err
	}
	ui.PrintSection(a.stderr, "Assessment "+id)

	run, err := eng.Wait(ctx, id)
	if ctx.Err() != nil {
		ui.PrintWarning(a.stderr, "interrupted, cancelling and collecting partial results")
		_ = eng.Cancel(id)
		run, err = eng.Wait(context.WithoutCancel(ctx), id)
	}
	if err != nil {
		return err
	}

	rep := report.Build(run)
	ui.PrintSection(a.stderr, "Findings")
	ui.PrintFindings(a.stderr, rep.Run.Findings)
	ui.PrintSection(a.stderr, "Summary")
	ui.PrintSummary(a.stderr, rep)

	if o.output != "" {
		if err := writeReport(a.stdout, o.output, rep, format); err != nil {
			return err
		}
		if o.output != "-" {
			ui.PrintSuccess(a.stderr, "Report written to "+o.output)
		}
	}

	if run.Phase == report.PhaseFailed {
		return exitWith(exitRunFailed, "assessment failed: %s", run.FailureReason)
	}
	if failOn != "" {
		for _, f := range run.Findings {
			if f.Severity.AtLeast(failOn) {
				return exitWith(exitFindings, "findings at or above %s severity", failOn)
			}
		}
	}
	return nil
}

func writeReport(stdout io.Writer, path string, rep *report.Report, format report.Format) error {
	gen := report.NewGenerator()
	if path == "-" {
		return gen.Generate(rep, format, stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gen.Generate(rep, format, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
