package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
	"github.com/wilsonzlin/aero/rtc-client/internal/debugserver"
	"github.com/wilsonzlin/aero/rtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/rtc-client/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

func listenCmd(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Connect, log every event and reconnect until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(loader)
			if err != nil {
				return err
			}
			m := metrics.New()
			sess, err := newSession(cfg, logger, m)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, tag := range protocol.EventTags() {
				if tag == protocol.TagOutputHeartbeat {
					continue
				}
				sess.OnEvent(tag, func(ev protocol.Event) {
					logger.Info("event", "tag", ev.EventTag(), "event", ev)
				})
			}
			sess.OnDisconnected(func(ev *protocol.WebsocketDisconnected) {
				logger.Warn("disconnected", "code", ev.Code, "reason", ev.Reason)
			})

			var srv *debugserver.Server
			errCh := make(chan error, 1)
			if cfg.MetricsAddr != "" {
				commit, built := resolveBuildInfo(buildCommit, buildTime)
				srv = debugserver.New(debugserver.Config{
					Addr:    cfg.MetricsAddr,
					Source:  sess,
					Metrics: m,
					Build:   debugserver.BuildInfo{Version: buildVersion, Commit: commit, BuildTime: built},
					Logger:  logger,
				})
				go func() {
					errCh <- srv.ListenAndServe()
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting aero-rtc-client",
				"session_id", cfg.SessionID,
				"ws_url", cfg.WebSocketURL,
				"api_url", cfg.APIURL,
				"transport", cfg.Transport,
				"mode", cfg.Mode,
				"metrics_addr", cfg.MetricsAddr,
			)

			sess.EnableReconnection()
			if err := sess.Connect(ctx); err != nil {
				// Connect armed the supervisor, so the dial is retried after the reconnect delay.
				logger.Warn("initial connect failed", "err", err)
			}

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			}

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("debug server shutdown failed", "err", err)
				}
			}
			return nil
		},
	}
}
