// Command erikd is the erik-relay process: it ingests an upstream RRDP
// stream, rebuilds the Index/Partition view on every change, and serves
// the result over plain HTTP; the listener does not terminate TLS.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"erik/internal/fetchresolver"
	"erik/internal/httpapi"
	"erik/internal/liveview"
	"erik/internal/partition"
	"erik/internal/rrdp"
	"erik/internal/wire"
	"erik/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "explicit path to a config file, bypassing the default/env search path")
	envName := flag.String("env", "", "environment name selecting an override config file (e.g. docker)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("erikd: failed to load .env")
	}

	env := *envName
	if env == "" {
		env = os.Getenv("ERIK_ENV")
	}
	cfg, err := config.LoadWithFile(env, *configPath)
	if err != nil {
		logrus.WithError(err).Fatal("erikd: failed to load configuration")
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	mappings := make([]fetchresolver.DiskMapping, 0, len(cfg.Fetch.DiskMappings))
	for _, m := range cfg.Fetch.DiskMappings {
		mappings = append(mappings, fetchresolver.DiskMapping{Host: m.Host, BaseDir: m.BaseDir})
	}
	resolver := fetchresolver.New(mappings, cfg.RRDP.UserAgent, cfg.RRDP.InsecureTLS)

	engine := rrdp.New(resolver, log)
	if err := engine.InitialSync(cfg.RRDP.NotifyURI); err != nil {
		log.WithError(err).Fatal("erikd: initial RRDP sync failed")
	}

	holder := &liveview.Holder{}
	rebuildView(engine, holder, cfg.Index.Scope, log)

	server := httpapi.New(holder, log)
	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: server.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pollLoop(ctx, engine, holder, cfg, log)

	go func() {
		log.WithField("addr", cfg.HTTP.ListenAddr).Info("erikd: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("erikd: HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info("erikd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("erikd: graceful shutdown failed")
	}
}

func pollLoop(ctx context.Context, engine *rrdp.Engine, holder *liveview.Holder, cfg *config.Config, log *logrus.Logger) {
	ticker := time.NewTicker(cfg.RRDP.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := engine.Poll()
			if err != nil {
				log.WithError(err).Warn("erikd: poll failed")
				continue
			}
			if updated {
				rebuildView(engine, holder, cfg.Index.Scope, log)
			}
		}
	}
}

func rebuildView(engine *rrdp.Engine, holder *liveview.Holder, scope string, log *logrus.Logger) {
	state := engine.State()
	if state == nil {
		return
	}
	partitions := partition.Build(state.Manifests)

	idx, err := partition.BuildIndex(scope, partitions, func(key byte, p wire.Partition) (wire.PartitionRef, error) {
		der, err := wire.EncodePartition(p)
		if err != nil {
			return wire.PartitionRef{}, err
		}
		digest := state.Store.InsertIfAbsent("", der)
		return wire.PartitionRef{Digest: digest, Size: uint32(len(der))}, nil
	})
	if err != nil {
		log.WithError(err).Debug("erikd: no index to publish yet")
		return
	}
	idxBytes, err := wire.EncodeIndex(idx)
	if err != nil {
		log.WithError(err).Warn("erikd: failed to encode index")
		return
	}
	idxDigest := state.Store.InsertIfAbsent("", idxBytes)

	holder.Store(&liveview.View{
		Scope:       scope,
		IndexDigest: idxDigest,
		IndexBytes:  idxBytes,
		Store:       state.Store,
	})
}
