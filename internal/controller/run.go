// Copyright 2025 Tom Barlow
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

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/autofix/internal/config"
	"github.com/tombee/autofix/internal/log"
)

// RunOptions configures the long-running server.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// Config overrides
	ConfigPath   string
	Addr         string
	PipelinesDir string
	Watch        bool
}

// Run starts the controller with its HTTP server and blocks until SIGINT
// or SIGTERM, then shuts down gracefully. It backs "autofix serve".
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.PipelinesDir != "" {
		cfg.Pipelines.Dir = opts.PipelinesDir
	}
	if opts.Watch {
		cfg.Pipelines.Watch = true
	}

	logCfg := log.FromEnv()
	if os.Getenv("AUTOFIX_DEBUG") == "" && os.Getenv("AUTOFIX_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	c, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Serve:     true,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// The signal only begins shutdown; runs are drained by Shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(context.Background()); err != nil {
		_ = c.Shutdown(context.Background())
		return err
	}

	<-sigCtx.Done()
	stop()
	logger.Info("shutdown signal received")

	// Drain and shutdown deadlines are applied inside Shutdown.
	if err := c.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
