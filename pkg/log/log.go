// © Broadcom. All Rights Reserved.
// The term "Broadcom" refers to Broadcom Inc. and/or its subsidiaries.
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FromContextOrDefault returns a Logger from ctx. If no Logger is found, the
// process-wide default logger is returned so logs are not accidentally
// discarded. Prefer this over logr.FromContextOrDiscard().
func FromContextOrDefault(ctx context.Context) logr.Logger {
	if logger, err := logr.FromContext(ctx); err == nil {
		return logger
	}
	return defaultLogger
}

var defaultLogger = NewLogger(0)

// NewLogger builds a console logger at the given verbosity backed by zap.
func NewLogger(verbosity int) logr.Logger {
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapcore.Level(-verbosity)), //nolint:gosec // verbosity is small
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	zl, err := cfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l logr.Logger) {
	defaultLogger = l
}
