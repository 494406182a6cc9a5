// Copyright 2024 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil exposes the shared zap loggers.
package logutil

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ctxLogKey attaches a request-scoped logger to a context.
type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// BgLogger returns the default global logger.
func BgLogger() *zap.Logger {
	return log.L()
}

// Logger gets a contextual logger from current context. If there is no
// logger in the context, it returns the background logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctxlogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return ctxlogger
	}
	return log.L()
}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, logger)
}
