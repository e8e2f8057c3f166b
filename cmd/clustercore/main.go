// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/cosmicmesh/clustercore/internal/cluster"
	"github.com/cosmicmesh/clustercore/internal/config"
	"github.com/cosmicmesh/clustercore/pkg/log"
	"github.com/cosmicmesh/clustercore/pkg/runtimeEnv"
)

func main() {
	var flagConfigFile, flagUser, flagGroup, flagMetricsAddr string
	var flagStopImmediately bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default options by those in `config.json`")
	flag.StringVar(&flagUser, "user", "", "Drop privileges to this user after startup")
	flag.StringVar(&flagGroup, "group", "", "Drop privileges to this group after startup")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "", "If set, expose Prometheus metrics on this address (e.g. ':9090')")
	flag.BoolVar(&flagStopImmediately, "no-run", false, "Load configuration and wire the cluster, then exit without starting it")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("clustercore: could not load .env: %v", err)
	}

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("clustercore: no config at %q, using defaults", flagConfigFile)
			cfg = config.Default()
		} else {
			log.Fatal(err)
		}
	}
	log.SetLogLevel(cfg.LogLevel)

	var reg prometheus.Registerer
	if flagMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		reg = registry
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Errorf("clustercore: metrics server failed: %v", err)
			}
		}()
	}

	c, err := cluster.New(cfg, reg)
	if err != nil {
		log.Fatal(err)
	}

	log.OnCritical = func() {
		c.RequestShutdown("critical log entry")
	}

	if err := c.LoadPersistedState(cfg.PersistPath); err != nil {
		log.Errorf("clustercore: could not load persisted state: %v", err)
	}

	if flagStopImmediately {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx, time.Now()); err != nil {
		log.Fatal(err)
	}

	if err := runtimeEnv.DropPrivileges(flagUser, flagGroup); err != nil {
		log.Fatalf("clustercore: error while changing user: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigs:
			log.Infof("clustercore: received %s, shutting down", sig)
		case <-c.ShutdownCh():
			log.Warn("clustercore: state supervisor requested shutdown")
		}
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		cancel()
		c.Stop()
		if err := c.SavePersistedState(cfg.PersistPath); err != nil {
			log.Errorf("clustercore: could not save persisted state: %v", err)
		}
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("Graceful shutdown completed!")
}
