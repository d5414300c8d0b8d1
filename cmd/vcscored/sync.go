package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vcscore/vcscore/internal/config"
	"github.com/vcscore/vcscore/internal/store"
	"github.com/vcscore/vcscore/internal/syncproto"
	"github.com/vcscore/vcscore/internal/transport"
	"github.com/vcscore/vcscore/internal/xlink"
)

func syncCmd() *cobra.Command {
	var (
		configName   string
		url          string
		mode         string
		user         string
		password     string
		sendPrivate  bool
		cloneVersion int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run one client sync session (clone, pull, or push) against a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), configName, url, mode, user, password, sendPrivate, cloneVersion)
		},
	}
	cmd.Flags().StringVar(&configName, "config", "", "base name of the YAML config file to load (default: vcscore)")
	cmd.Flags().StringVar(&url, "url", "", "peer sync endpoint, e.g. http://host:8080/xfer")
	cmd.Flags().StringVar(&mode, "mode", "pull", "session mode: clone, pull, or push")
	cmd.Flags().StringVar(&user, "user", "anonymous", "login user")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	cmd.Flags().BoolVar(&sendPrivate, "private", false, "request private-content exchange (pragma send-private)")
	cmd.Flags().IntVar(&cloneVersion, "clone-version", 0, "versioned streaming clone (0 = original full-inventory form)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func parseMode(mode string) (syncproto.Mode, error) {
	switch mode {
	case "clone":
		return syncproto.ModeClone, nil
	case "pull":
		return syncproto.ModePull, nil
	case "push":
		return syncproto.ModePush, nil
	default:
		return 0, fmt.Errorf("vcscored: unknown sync mode %q", mode)
	}
}

func runSync(ctx context.Context, configName, url, mode, user, password string, sendPrivate bool, cloneVersion int) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configName)
	if err != nil {
		return err
	}
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lv)
	}

	m, err := parseMode(mode)
	if err != nil {
		return err
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

	cl := syncproto.NewClient(repo, linker, transport.NewClient(nil, url), log, syncproto.ClientConfig{
		Mode:                m,
		User:                user,
		Password:            password,
		ProjectCode:         cfg.Project.Code,
		MaxUpload:           cfg.Sync.MaxUploadBytes,
		MaxPhantomsPerRound: cfg.Sync.MaxPhantomsPerRound,
		MaxLoginRetries:     cfg.Sync.MaxLoginRetries,
		SendPrivate:         sendPrivate,
		CloneVersion:        cloneVersion,
	})

	linker.Begin()
	syncErr := cl.Sync(ctx)
	if err := linker.End(); err != nil {
		log.WithError(err).Error("vcscored: close crosslink batch")
		if syncErr == nil {
			return err
		}
	}
	if syncErr != nil {
		log.WithError(syncErr).Error("vcscored: sync session failed")
		return syncErr
	}
	log.WithFields(logrus.Fields{"mode": mode, "url": url}).Info("vcscored: sync complete")
	return nil
}
