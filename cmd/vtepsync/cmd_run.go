package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/version"
	"github.com/newtron-network/vtepsync/pkg/vtep/device"
	"github.com/newtron-network/vtepsync/pkg/vtep/metrics"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/store"
	"github.com/newtron-network/vtepsync/pkg/vtep/transact"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive every configured gateway until interrupted",
	Long: `Run reconciles every configured node, then follows intent changes
and applies them to the gateways. Disconnected gateways are retried on the
supervision interval and fully reconciled when they come back.

When metrics.addr is set, Prometheus metrics are served on /metrics and a
JSON node status on /status.

Examples:
  vtepsync run
  vtepsync -c /etc/vtepsync/config.yaml run -v`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(cfg.Nodes) == 0 {
			return errors.New("no nodes configured")
		}

		closeAudit, err := openAudit()
		if err != nil {
			return err
		}
		defer closeAudit()

		s, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		var (
			managers []*transact.Manager
			nodes    []model.NodeID
			devices  []*device.RedisClient
		)
		defer func() {
			for _, d := range devices {
				d.Close()
			}
		}()
		for i := range cfg.Nodes {
			m, dev, err := newManager(ctx, &cfg.Nodes[i], s)
			if err != nil {
				return err
			}
			managers = append(managers, m)
			devices = append(devices, dev)
			nodes = append(nodes, m.Node())
		}

		watcher := store.NewRedisWatcher(s.intent, cfg.Engine.Debounce, nodes...)
		ctrl := transact.NewController(watcher, cfg.Engine.SuperviseInterval, managers...)

		if cfg.Metrics.Addr != "" {
			srv := newStatusServer(cfg.Metrics.Addr, ctrl)
			go func() {
				util.Logger.Infof("metrics listening on %s", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					util.Logger.Errorf("metrics server: %v", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		util.Logger.Infof("vtepsync %s starting for %d node(s): %v", version.Info(), len(nodes), cfg.NodeNames())
		if err := ctrl.Run(ctx); err != nil {
			return err
		}
		util.Logger.Info("vtepsync stopped")
		return nil
	},
}

// newStatusServer serves Prometheus metrics and the controller's node
// status.
func newStatusServer(addr string, ctrl *transact.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ctrl.Statuses()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
