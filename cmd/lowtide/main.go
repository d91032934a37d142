// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command lowtide runs the download job server: it loads the YAML app
// configuration, opens the job store, recovers jobs orphaned by a
// previous process, and serves the REST and WebSocket API until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lowtide/internal/api"
	"lowtide/internal/broker"
	"lowtide/internal/config"
	"lowtide/internal/enrich"
	"lowtide/internal/scheduler"
	"lowtide/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[lowtide] ")
	logger := log.Default()

	var (
		configPath = flag.String("config", envOr("LOWTIDE_CONFIG", "lowtide.yaml"), "path to the YAML configuration file")
		listenAddr = flag.String("listen", "", "listen address (overrides config and LOWTIDE_LISTEN_ADDR)")
		dbPath     = flag.String("db", "", "database path (overrides config and LOWTIDE_DB_PATH)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	// Environment overrides the file; flags override both.
	if v := os.Getenv("LOWTIDE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOWTIDE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{filepath.Join(cfg.DataRoot, "jobs"), cfg.ThumbnailDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("close store: %v", err)
		}
	}()

	// Jobs left running by a previous process can never finish.
	recovered, err := st.RecoverRunningJobs(ctx, "server restarted during job")
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		logger.Printf("recovered %d orphaned running job(s): %v", len(recovered), recovered)
	}

	b := broker.New(logger)
	defer b.Close()

	enricher := enrich.New(st, cfg, b, logger)
	sched := scheduler.New(st, cfg, b, enricher, logger)
	go sched.Run(ctx)

	mux := http.NewServeMux()
	api.New(st, cfg, b, sched, logger).Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (%d apps, data root %s)", cfg.ListenAddr, len(cfg.Apps), cfg.DataRoot)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	// Stop the scheduler first so the running child gets its SIGTERM
	// before the HTTP drain deadline starts ticking.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
