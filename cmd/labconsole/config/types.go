// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/labconsole/services/console/cache"
	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/datatypes"
	"github.com/AleutianAI/labconsole/services/console/history"
	"github.com/AleutianAI/labconsole/services/console/labapi"
	"github.com/AleutianAI/labconsole/services/console/telemetry"
)

// CurrentConfigVersion is written to new config files.
const CurrentConfigVersion = "1"

type LabConsoleConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// Server: the lab-management REST API
	Server ServerConfig `yaml:"server"`

	// Stream: the push event websocket
	Stream StreamConfig `yaml:"stream"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Cache       CacheConfig       `yaml:"cache"`
	UserInput   UserInputConfig   `yaml:"user_input"`

	// Status: local diagnostics endpoint, disabled when addr is empty
	Status StatusConfig `yaml:"status"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// History: InfluxDB sink for maintenance outcomes, disabled when url is empty
	History history.InfluxConfig `yaml:"history"`

	Logging LoggingConfig `yaml:"logging"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type ServerConfig struct {
	BaseURL           string               `yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration        `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64              `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int                  `yaml:"burst" validate:"gte=0"`
	Breaker           labapi.BreakerConfig `yaml:"breaker"`
}

type StreamConfig struct {
	URL               string        `yaml:"url" validate:"required,url"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=0"`
	ReadTimeout       time.Duration `yaml:"read_timeout" validate:"gte=0"`
}

type MaintenanceConfig struct {
	// StillWaiting is how long a step may await its result before the
	// console shows it as still in progress.
	StillWaiting  map[datatypes.ProcedureKind]time.Duration `yaml:"still_waiting"`
	CancelTimeout time.Duration                             `yaml:"cancel_timeout" validate:"gte=0"`
}

type CacheConfig struct {
	// GlobalSettings: settings whose change invalidates every cached region.
	// Reloaded without restart.
	GlobalSettings []datatypes.Setting `yaml:"global_settings"`
}

type UserInputConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
}

type StatusConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type LoggingConfig struct {
	// Level is reloaded without restart.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() LabConsoleConfig {
	return LabConsoleConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Server: ServerConfig{
			BaseURL:           "http://localhost:8080/api",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			Breaker: labapi.BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Stream: StreamConfig{
			URL:               "ws://localhost:8080/api/events",
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2,
			ReadTimeout:       60 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			StillWaiting:  correlate.DefaultThresholds(),
			CancelTimeout: 10 * time.Second,
		},
		Cache:     CacheConfig{GlobalSettings: cache.DefaultGlobalSettings()},
		UserInput: UserInputConfig{RetryInterval: 5 * time.Second},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.labconsole/logs",
		},
	}
}
