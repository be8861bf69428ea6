// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenroute/internal/profile"
)

var logger hclog.Logger = hclog.NewNullLogger()

// Init sets up the application logger. Level is taken from LOG_LEVEL,
// falling back to Info for PROD and Debug otherwise.
func Init() {
	level := hclog.LevelFromString(os.Getenv("LOG_LEVEL"))
	if level == hclog.NoLevel {
		if profile.IsProd() {
			level = hclog.Info
		} else {
			level = hclog.Debug
		}
	}
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  "zenroute",
		Level: level,
	})
}

// Named returns a sub-logger for a component.
func Named(name string) hclog.Logger {
	return logger.Named(name)
}

func Debug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

// Infof logs with the request/execution context. The context is accepted so
// call sites do not change once context-scoped attributes are added.
func Infof(ctx context.Context, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}
