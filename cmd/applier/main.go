// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command applier runs a single continuous replication follower against
// one master, applying its changes to a Postgres/CockroachDB target.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/repl-applier/internal/applier"
	"github.com/cockroachdb/repl-applier/internal/applier/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("applier exited with error")
	}
}

func run() error {
	var cfg config.Config
	var metricsAddr string

	cfg.Bind(pflag.CommandLine)
	pflag.StringVar(&metricsAddr, "metricsAddr", ":9191", "address to serve /metrics on; empty disables it")
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		return err
	}
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, cleanup, err := applier.New(ctx, &cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	log.WithField("master", cfg.MasterEndpoint).Info("starting applier")
	return app.Loop.Run(ctx)
}
