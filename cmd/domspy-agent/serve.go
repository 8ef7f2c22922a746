package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vincentbai/domspy-agent/internal/analysis"
	"github.com/vincentbai/domspy-agent/internal/logging"
	"github.com/vincentbai/domspy-agent/internal/replay"
	"github.com/vincentbai/domspy-agent/internal/server"
	"github.com/vincentbai/domspy-agent/internal/session"
	"github.com/vincentbai/domspy-agent/internal/sink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capture and the HTTP control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		sinks := sink.NewRouter(logger, sink.DatabaseSink{DB: db})
		if cfg.NATS.Enabled {
			ns, err := sink.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
			if err != nil {
				return err
			}
			sinks.Add(ns)
		}
		defer sinks.Close()

		sess := session.New(cfg, logger)
		sess.RegisterPlugin(session.PluginFunc(logFindings))
		if err := sess.Start(ctx, promptConsent(cmd)); err != nil {
			return err
		}
		go sess.Run(ctx)

		srv, err := server.NewServer(sess, db, sinks, cfg.Server, logger,
			server.WithReplayTargets(browserTargets),
		)
		if err != nil {
			return err
		}
		return srv.Start(ctx)
	},
}

// promptConsent asks on the terminal. Configuration can pre-grant consent,
// in which case the gate is never consulted.
func promptConsent(cmd *cobra.Command) session.ConsentGate {
	return session.ConsentFunc(func(ctx context.Context) (bool, error) {
		fmt.Fprint(cmd.OutOrStdout(), "Allow DOMSpy to record this session? [y/N] ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	})
}

func logFindings(_ context.Context, r analysis.Report) {
	for _, f := range r.NewFindings {
		logger.Warn("finding", "type", f.Type, "desc", f.Desc, "count", f.Count)
	}
}

func browserTargets(ctx context.Context, pageURL string) (replay.Target, func() error, error) {
	if cfg.Replay.PageURL != "" {
		pageURL = cfg.Replay.PageURL
	}
	b, err := replay.Open(ctx, cfg.Replay.ControlURL, pageURL, logger.With(logging.Component("replay")))
	if err != nil {
		return nil, nil, err
	}
	return b.Target, b.Close, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create application directory: %w", err)
	}
	return nil
}
