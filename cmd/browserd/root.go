package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/richpresence/browserd/internal/browser"
	"github.com/richpresence/browserd/internal/config"
	"github.com/richpresence/browserd/internal/devtools"
	"github.com/richpresence/browserd/internal/logging"
	"github.com/richpresence/browserd/internal/metrics"
	"github.com/richpresence/browserd/internal/mock"
	"github.com/richpresence/browserd/internal/process"
	"github.com/richpresence/browserd/internal/session"
)

// mockStartupDelay makes simulated browsers take a moment to come up, so
// the launching phase is visible to clients in --mock mode.
const mockStartupDelay = 750 * time.Millisecond

type globalFlags struct {
	configPath string
	mock       bool
	logLevel   string
	logFormat  string
}

type globalState struct {
	flags  globalFlags
	lookup func(string) (string, bool)
	stdout io.Writer
	stderr io.Writer

	cfg *config.Config
	log *logrus.Logger
}

func newGlobalState(stdout, stderr io.Writer, lookup func(string) (string, bool)) *globalState {
	return &globalState{
		lookup: lookup,
		stdout: stdout,
		stderr: stderr,
	}
}

func rootFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVarP(&gs.flags.configPath, "config", "c", "config.yaml", "path to config file")
	flags.BoolVar(&gs.flags.mock, "mock", false, "use a simulated host instead of real browsers")
	flags.StringVar(&gs.flags.logLevel, "log-level", "", "log level (overrides config)")
	flags.StringVar(&gs.flags.logFormat, "log-format", "", "log format: text or json (overrides config)")
	return flags
}

func newRootCmd(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:   "browserd",
		Short: "Launch and track a browser remote-debugging session",
		Long: `browserd discovers installed browsers, launches one with its remote
debugging endpoint enabled and tracks that single session until it is closed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)
	root.PersistentFlags().AddFlagSet(rootFlagSet(gs))

	root.AddCommand(
		getCmdServe(gs),
		getCmdList(gs),
		getCmdLaunch(gs),
	)
	return root
}

// loadConfig reads the config file and environment, then lets apply set
// command-specific flag overrides before validating and building the
// logger.
func (gs *globalState) loadConfig(apply func(*config.Config)) error {
	cfg, err := config.LoadOrDefault(gs.flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(gs.lookup); err != nil {
		return err
	}
	if gs.flags.logLevel != "" {
		cfg.Log.Level = gs.flags.logLevel
	}
	if gs.flags.logFormat != "" {
		cfg.Log.Format = gs.flags.logFormat
	}
	if apply != nil {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.New(cfg.Log, gs.stderr)
	if err != nil {
		return err
	}
	gs.cfg, gs.log = cfg, log
	return nil
}

// stack is the wired controller and what it depends on.
type stack struct {
	ctrl    *session.Controller
	metrics *metrics.Recorder
}

// buildStack wires the controller for the real host, or for a simulated
// one with --mock. The simulated host runs until ctx is done.
func (gs *globalState) buildStack(ctx context.Context) *stack {
	cfg := gs.cfg
	rec := metrics.New()
	opts := session.DefaultOptions(cfg)
	opts.Metrics = rec
	opts.Log = gs.log

	var scanner browser.Scanner
	if gs.flags.mock {
		gs.log.Info("Starting in mock mode")
		host := mock.NewHost()
		host.SetStartupDelay(mockStartupDelay)
		host.Start(ctx)
		scanner = host
		opts.Processes = host
		opts.Endpoint = host
		opts.Profiles = process.NewProfileDirs(afero.NewMemMapFs(), cfg.Browser.ProfileRoot)
	} else {
		fs := afero.NewOsFs()
		scanner = browser.NewHostScanner(fs, cfg.Registry.ExtraPaths, browser.HostVersion(cfg.Registry.VersionTimeout), gs.log)
		opts.Processes = process.NewOSService(gs.log)
		opts.Endpoint = devtools.NewClient(cfg.Attach.ProbeTimeout, gs.log)
		opts.Profiles = process.NewProfileDirs(fs, cfg.Browser.ProfileRoot)
	}
	opts.Inventory = browser.NewRegistry(scanner, gs.log)

	return &stack{
		ctrl:    session.NewController(opts),
		metrics: rec,
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	gs := newGlobalState(os.Stdout, os.Stderr, os.LookupEnv)
	if err := newRootCmd(gs).Execute(); err != nil {
		fmt.Fprintln(gs.stderr, "Error:", err)
		os.Exit(1)
	}
}
