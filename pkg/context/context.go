// Copyright 2026 The Nirvana Authors.
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

// Package context re-exports context.Context under the substrate's own
// name, the way the teacher's pkg/context does, so that call sites read
// "context.Context" while still letting the substrate attach a
// structured logger without every call site importing logrus directly.
package context

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Context is the substrate's context type. It is interchangeable with
// the standard context.Context everywhere one is accepted.
type Context = context.Context

// Background returns a non-nil, empty Context carrying the package-level
// logger.
func Background() Context {
	return WithLogger(context.Background(), logrus.StandardLogger())
}

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying log as the Logger returned by
// Log(ctx).
func WithLogger(ctx Context, log *logrus.Logger) Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// Log returns the logger attached to ctx, or the package-level default
// logger if none was attached.
func Log(ctx Context) *logrus.Entry {
	if l, ok := ctx.Value(loggerKey{}).(*logrus.Logger); ok {
		return logrus.NewEntry(l)
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
