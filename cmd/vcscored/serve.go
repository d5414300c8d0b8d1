package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vcscore/vcscore/internal/config"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/syncproto"
	"github.com/vcscore/vcscore/internal/xlink"
	"github.com/vcscore/vcscore/pkg/metrics"
	"github.com/vcscore/vcscore/pkg/utils"
)

func serveCmd() *cobra.Command {
	var configName string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "open a repository and serve the sync protocol over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configName)
		},
	}
	cmd.Flags().StringVar(&configName, "config", "", "base name of the YAML config file to load (default: vcscore)")
	return cmd
}

func runServe(configName string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configName)
	if err != nil {
		return err
	}
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lv)
	} else {
		log.WithField("level", cfg.Logging.Level).Warn("vcscored: unknown log level, keeping default")
	}

	repo, err := store.Open(cfg.Repository.Path)
	if err != nil {
		log.WithError(err).Error("vcscored: open repository")
		return err
	}
	defer repo.Close()
	repo.SetClusterLimits(cfg.Cluster.UnclusteredThreshold, cfg.Cluster.MaxClusterSize)

	linker, err := xlink.New(repo, log)
	if err != nil {
		log.WithError(err).Error("vcscored: init crosslinker")
		return err
	}

	mcol := metrics.New()

	srv := syncproto.NewServer(repo, linker, log, syncproto.ServerConfig{
		ServerCode:          sha1OfPath(cfg.Repository.Path),
		ProjectCode:         cfg.Project.Code,
		MaxDownload:         cfg.Sync.MaxDownloadBytes,
		MaxPhantomsPerRound: cfg.Sync.MaxPhantomsPerRound,
		Config:              newStaticConfigProvider(cfg),
		Metrics:             mcol,
	})

	router := newRouter(log, mcol, srv)

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runBacklogCollector(ctx, repo, mcol, log)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("vcscored: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("vcscored: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runBacklogCollector periodically snapshots the repository's phantom and
// unclustered counts into gauges, mirroring the teacher's
// RunMetricsCollector ticker pattern in core/system_health_logging.go.
func runBacklogCollector(ctx context.Context, repo *store.Repository, mcol *metrics.Collectors, log *logrus.Logger) {
	interval := utils.EnvOrDefaultInt("VCSCORE_BACKLOG_INTERVAL_SECONDS", 30)
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			phantoms, err := repo.IterPhantoms()
			if err != nil {
				log.WithError(err).Warn("vcscored: backlog collector: phantoms")
				continue
			}
			unclustered, err := repo.IterUnclustered()
			if err != nil {
				log.WithError(err).Warn("vcscored: backlog collector: unclustered")
				continue
			}
			mcol.PhantomBacklog.Set(float64(len(phantoms)))
			mcol.UnclusteredBacklog.Set(float64(len(unclustered)))
		case <-ctx.Done():
			return
		}
	}
}
