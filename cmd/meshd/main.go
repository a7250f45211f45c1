package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scmesh/go-core/internal/identity"
	"scmesh/go-core/internal/mesh"
	"scmesh/go-core/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to meshd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (optional)")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9464", "Prometheus metrics listen address, empty to disable")
	nickname := flag.String("nickname", "meshd", "Nickname used when creating a fresh identity")
	flag.Parse()
	if *showVersion {
		fmt.Printf("meshd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := mesh.LoadConfig(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.Passphrase == "" {
		slog.Error("MESH_PASSPHRASE is required, refusing to run with unencrypted storage")
		os.Exit(1)
	}

	// meshd has no platform radio; short-range links only exist in embedded
	// deployments where the shell supplies the sink.
	svc := mesh.NewService(cfg, nil)

	if err := ensureIdentity(svc, *nickname, cfg.Passphrase); err != nil {
		slog.Error("identity setup failed", "reason", err.Error())
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("meshd failed to start", "reason", err.Error())
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(svc.Metrics().Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server stopped", "reason", err.Error())
			}
		}()
		slog.Info("metrics exposed", "addr", *metricsAddr)
	}

	slog.Info("meshd running", "version", version)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		slog.Error("meshd shutdown failed", "reason", err.Error())
		os.Exit(1)
	}
	slog.Info("meshd stopped")
}

// ensureIdentity restores the sealed on-disk identity or creates a fresh one,
// printing the recovery mnemonic exactly once.
func ensureIdentity(svc *mesh.Service, nickname, passphrase string) error {
	if _, err := svc.RestoreIdentity(nickname, passphrase); err == nil {
		return nil
	} else if !errors.Is(err, identity.ErrSeedNotAvailable) {
		return err
	}
	_, mnemonic, err := svc.CreateIdentity(nickname, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "new identity created; store this recovery mnemonic safely:")
	fmt.Fprintln(os.Stdout, mnemonic)
	return nil
}
