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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labconsole/cmd/labconsole/config"
	"github.com/AleutianAI/labconsole/pkg/logging"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	// loaded by PersistentPreRunE
	cfg    config.LabConsoleConfig
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "labconsole",
		Short: "Console for the lab workstation's instruments and maintenance procedures",
		Long: `labconsole connects to the lab-management server, follows its push event
stream, and walks an operator through instrument maintenance procedures.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow the event stream and keep caches and queues current",
		Args:  cobra.NoArgs,
		RunE:  runWatch, // Defined in cmd_watch.go
	}

	instrumentsCmd = &cobra.Command{
		Use:     "instruments",
		Short:   "List the attached instruments",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE:    runInstruments, // Defined in cmd_instruments.go
	}

	maintenanceCmd = &cobra.Command{
		Use:   "maintenance <family> <instrumentId> <procedure>",
		Short: "Run a maintenance procedure wizard on an instrument",
		Example: `  labconsole maintenance chemistry CAT001 clean
  labconsole maintenance hematology PRO7 calibrate`,
		Args: cobra.ExactArgs(3),
		RunE: runMaintenance, // Defined in cmd_maintenance.go
	}

	proceduresCmd = &cobra.Command{
		Use:   "procedures",
		Short: "List the maintenance procedures and their steps",
		Args:  cobra.NoArgs,
		RunE:  runProcedures, // Defined in cmd_maintenance.go
	}

	inputsCmd = &cobra.Command{
		Use:   "inputs",
		Short: "Answer the instruments' outstanding user-input requests",
		Args:  cobra.NoArgs,
		RunE:  runInputs, // Defined in cmd_inputs.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.labconsole/labconsole.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	inputsCmd.Flags().Int64SliceVar(&inputRuns, "run", nil, "run id to queue before waiting for events (repeatable)")
	inputsCmd.Flags().BoolVar(&inputsOnce, "once", false, "exit when the queue is empty")

	maintenanceCmd.Flags().BoolVar(&plainOutput, "plain", false, "line-based output even on a terminal")

	rootCmd.AddCommand(watchCmd, instrumentsCmd, maintenanceCmd, proceduresCmd, inputsCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cmd.Name(),
		JSON:    cfg.Logging.JSON,
	})
	return nil
}
