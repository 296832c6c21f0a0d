package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/richpresence/browserd/internal/config"
	"github.com/richpresence/browserd/internal/ws"
)

// shutdownTimeout bounds closing the session when the server stops.
const shutdownTimeout = 15 * time.Second

type serveFlags struct {
	host string
	port int
}

func serveFlagSet(f *serveFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVar(&f.host, "host", "", "override server listen address")
	flags.IntVarP(&f.port, "port", "p", 0, "override server port")
	return flags
}

func getCmdServe(gs *globalState) *cobra.Command {
	f := &serveFlags{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and WebSocket feed",
		Long: `Serve the session controller over HTTP.

  Clients list browsers, launch and close the session through /api and
  receive every state change on /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := gs.loadConfig(func(cfg *config.Config) {
				if f.host != "" {
					cfg.Server.Host = f.host
				}
				if f.port > 0 {
					cfg.Server.Port = f.port
				}
			})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), gs)
		},
	}
	serveCmd.Flags().AddFlagSet(serveFlagSet(f))
	return serveCmd
}

func runServe(parent context.Context, gs *globalState) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := gs.cfg
	st := gs.buildStack(ctx)
	if cfg.Registry.RefreshOnStart {
		if err := st.ctrl.RefreshInstalledBrowsers(ctx); err != nil {
			gs.log.WithError(err).Warn("initial browser scan failed")
		}
	}

	broadcaster := ws.NewBroadcaster(st.ctrl, cfg.Server.SnapshotInterval, cfg.Server.MaxClients, st.metrics, gs.log)
	done := broadcaster.Start(ctx)
	server := ws.NewServer(cfg, st.ctrl, broadcaster, st.metrics, gs.log)

	err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), gs.log)
	stop()
	<-done

	gs.log.Info("Shutting down...")
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := st.ctrl.Close(closeCtx); cerr != nil {
		gs.log.WithError(cerr).Warn("closing session on shutdown")
	}
	return err
}
