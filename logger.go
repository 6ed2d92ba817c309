// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package veilrelay implements a reverse-tunnel gateway that publishes
// ephemeral onion-routed URLs and services them over a persistent framed
// duplex session with the publishing client.
package veilrelay

import "github.com/sirupsen/logrus"

// Logger is an interface which can be satisfied to print debug logging when
// things go wrong. It is entirely optional, in which case errors are silent.
type Logger interface {
	Printf(format string, v ...interface{})
}

// LogrusLogger adapts a *logrus.Logger (or the package-level logrus funcs)
// to the Logger interface used throughout this package.
type LogrusLogger struct {
	Entry *logrus.Entry
}

// NewLogrusLogger wraps a logrus.Logger with the given component field set,
// matching the way cmd/proxy's `logger` type forwards into logrus.Infof.
func NewLogrusLogger(component string) *LogrusLogger {
	return &LogrusLogger{Entry: logrus.WithField("component", component)}
}

func (l *LogrusLogger) Printf(format string, v ...interface{}) {
	l.Entry.Infof(format, v...)
}
