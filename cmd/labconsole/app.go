// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/labconsole/services/console/events"
	"github.com/AleutianAI/labconsole/services/console/history"
	"github.com/AleutianAI/labconsole/services/console/labapi"
	"github.com/AleutianAI/labconsole/services/console/station"
	"github.com/AleutianAI/labconsole/services/console/telemetry"
)

// app is the set of components one command runs with.
type app struct {
	client   *labapi.Client
	station  *station.Station
	shutdown func(context.Context) error
}

// newApp builds the console from the loaded config. withStatus starts the
// diagnostics server when one is configured.
func newApp(ctx context.Context, withStatus bool) (*app, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	client, err := labapi.New(labapi.Config{
		BaseURL:           cfg.Server.BaseURL,
		HTTPClient:        &http.Client{Timeout: cfg.Server.Timeout},
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Breaker:           cfg.Server.Breaker,
		Logger:            logger.Slog(),
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	var recorder history.Recorder = history.NopRecorder{}
	if cfg.History.Enabled() {
		if recorder, err = history.NewInfluxRecorder(cfg.History, logger.Slog()); err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
	}

	statusAddr := ""
	if withStatus {
		statusAddr = cfg.Status.Addr
	}
	st, err := station.New(station.Config{
		Channel: events.ChannelConfig{
			URL:               cfg.Stream.URL,
			Dialer:            &events.WebsocketDialer{ReadTimeout: cfg.Stream.ReadTimeout},
			InitialBackoff:    cfg.Stream.InitialBackoff,
			MaxBackoff:        cfg.Stream.MaxBackoff,
			BackoffMultiplier: cfg.Stream.BackoffMultiplier,
		},
		API:            client,
		GlobalSettings: cfg.Cache.GlobalSettings,
		Thresholds:     cfg.Maintenance.StillWaiting,
		UserInputRetry: cfg.UserInput.RetryInterval,
		CancelTimeout:  cfg.Maintenance.CancelTimeout,
		Recorder:       recorder,
		StatusAddr:     statusAddr,
		Metrics:        telemetry.MetricsHandler(),
		Logger:         logger.Slog(),
	})
	if err != nil {
		recorder.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	return &app{client: client, station: st, shutdown: shutdown}, nil
}

// runInBackground runs the station until the returned stop is called.
func (a *app) runInBackground(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.station.Run(ctx); err != nil {
			logger.Error("station stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) close() {
	a.station.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}

// interactive reports whether stdin and stdout are both terminals.
func interactive() bool {
	tty := func(fd uintptr) bool { return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) }
	return tty(os.Stdin.Fd()) && tty(os.Stdout.Fd())
}
