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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labconsole/cmd/labconsole/config"
	"github.com/AleutianAI/labconsole/pkg/logging"
	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/events"
	"github.com/AleutianAI/labconsole/services/console/station"
	"github.com/AleutianAI/labconsole/services/console/userinput"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	st := a.station
	st.Channel().Bus().SubscribeAll(func(ev events.Event) {
		logger.Info("event", "kind", ev.Kind, "seq", ev.Seq)
	})
	st.Operations().OnChange(func(op correlate.Operation) {
		logger.Info("operation", "subject", op.Subject.String(), "state", op.State.String(), "id", op.ID)
	})
	st.Inputs().OnChange(func(head userinput.Head, ok bool) {
		if ok {
			logger.Info("user input needed", "run", head.RunID, "requests", len(head.Requests))
		}
	})

	go watchConfig(ctx, st)

	logger.Info("watching lab server", "stream", cfg.Stream.URL, "server", cfg.Server.BaseURL)
	return st.Run(ctx)
}

// watchConfig applies log level and global-setting changes while watch
// runs. Other fields take effect on restart.
func watchConfig(ctx context.Context, st *station.Station) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return
		}
	}
	err := config.Watch(ctx, path, logger.Slog(), func(next config.LabConsoleConfig) {
		if logLevel == "" {
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logger.SetLevel(level)
			}
		}
		st.SetGlobalSettings(next.Cache.GlobalSettings)
	})
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
}
