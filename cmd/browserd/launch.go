package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/richpresence/browserd/internal/session"
)

type launchFlags struct {
	profile      string
	debugPort    int
	allowOrigins string
	dryRun       bool
}

func launchFlagSet(f *launchFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVar(&f.profile, "profile", "", "profile name (default from config)")
	flags.IntVar(&f.debugPort, "debug-port", 0, "remote debugging port (default from config)")
	flags.StringVar(&f.allowOrigins, "allow-origins", "", "origins allowed to attach (default from config)")
	flags.BoolVar(&f.dryRun, "dry-run", false, "print the command line instead of launching")
	return flags
}

func getCmdLaunch(gs *globalState) *cobra.Command {
	f := &launchFlags{}
	launchCmd := &cobra.Command{
		Use:   "launch NAME",
		Short: "Launch a browser and hold the session until interrupted",
		Long: `Launch the named browser with remote debugging enabled.

  The session stays open until SIGINT or SIGTERM, then the browser is
  closed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gs.loadConfig(nil); err != nil {
				return err
			}
			return runLaunch(cmd.Context(), gs, f, args[0])
		},
	}
	launchCmd.Flags().AddFlagSet(launchFlagSet(f))
	return launchCmd
}

func (f *launchFlags) request(gs *globalState, name string) session.LaunchRequest {
	req := session.LaunchRequest{
		Name:       name,
		Profile:    f.profile,
		DebugPort:  f.debugPort,
		HostFilter: f.allowOrigins,
	}
	if req.Profile == "" {
		req.Profile = gs.cfg.Browser.DefaultProfile
	}
	if req.DebugPort == 0 {
		req.DebugPort = gs.cfg.Browser.DebugPort
	}
	if req.HostFilter == "" {
		req.HostFilter = gs.cfg.Browser.AllowOrigins
	}
	return req
}

func runLaunch(parent context.Context, gs *globalState, f *launchFlags, name string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := gs.buildStack(ctx)
	if err := st.ctrl.RefreshInstalledBrowsers(ctx); err != nil {
		return err
	}
	req := f.request(gs, name)

	if f.dryRun {
		plan, err := st.ctrl.Plan(req)
		if err != nil {
			return err
		}
		return printJSON(gs.stdout, plan)
	}

	launchErr := st.ctrl.Launch(ctx, req)
	if launchErr == nil {
		if err := printJSON(gs.stdout, st.ctrl.Current()); err != nil {
			gs.log.WithError(err).Warn("printing session")
		}
		gs.log.Info("Session open; press Ctrl+C to close the browser")
		<-ctx.Done()
	} else if st.ctrl.Current().OrphanPID == 0 {
		return launchErr
	}

	// Nothing outlives this process to recover an orphan later.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := st.ctrl.Close(closeCtx)
	var cerr *session.CloseError
	if errors.As(closeErr, &cerr) && cerr.Kind == session.ForcedTermination {
		gs.log.WithError(closeErr).Warn("browser had to be killed")
		closeErr = nil
	}
	return errors.Join(launchErr, closeErr)
}
