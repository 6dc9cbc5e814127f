// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rlog provides the leveled logger used by this module. The
// default logger writes to stderr via the standard library's log
// package; applications can redirect it with [SetOutput], silence it
// with [SetLevel], or replace it entirely with [SetLogger].
package rlog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// FormatLogger is the printf-style logging interface this module logs
// through.
type FormatLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
	Fatalf(format string, v ...any)
}

// Control is implemented by loggers whose output destination and level
// can be adjusted after creation.
type Control interface {
	SetOutput(w io.Writer)
	SetLevel(lv Level)
}

// FullLogger is the union of FormatLogger and Control. The default
// logger implements it.
type FullLogger interface {
	FormatLogger
	Control
}

// Level is the severity of a log message. Messages below the configured
// level are discarded.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = []string{"[Debug] ", "[Info] ", "[Warn] ", "[Error] ", "[Fatal] "}

func (lv Level) toString() string {
	if lv >= LevelDebug && lv <= LevelFatal {
		return levelNames[lv]
	}
	return fmt.Sprintf("[?%d] ", lv)
}

var defaultLogger FullLogger = &localLogger{
	logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	level:  LevelInfo,
}

// SetOutput sets the output of the default logger. By default, it is
// stderr.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

// SetLevel sets the level below which messages are discarded. The
// default level is LevelInfo. This method is not concurrent-safe.
func SetLevel(lv Level) {
	defaultLogger.SetLevel(lv)
}

// DefaultLogger returns the logger the package-level functions use.
func DefaultLogger() FullLogger {
	return defaultLogger
}

// SetLogger replaces the default logger. It is not concurrent-safe and
// must not be called after any use of the package-level logging
// functions.
func SetLogger(v FullLogger) {
	defaultLogger = v
}

// Debugf calls the default logger's Debugf method.
func Debugf(format string, v ...any) {
	defaultLogger.Debugf(format, v...)
}

// Infof calls the default logger's Infof method.
func Infof(format string, v ...any) {
	defaultLogger.Infof(format, v...)
}

// Warnf calls the default logger's Warnf method.
func Warnf(format string, v ...any) {
	defaultLogger.Warnf(format, v...)
}

// Errorf calls the default logger's Errorf method.
func Errorf(format string, v ...any) {
	defaultLogger.Errorf(format, v...)
}

// Fatalf calls the default logger's Fatalf method and then os.Exit(1).
func Fatalf(format string, v ...any) {
	defaultLogger.Fatalf(format, v...)
}

type localLogger struct {
	logger *log.Logger
	level  Level
}

func (ll *localLogger) SetOutput(w io.Writer) {
	ll.logger.SetOutput(w)
}

func (ll *localLogger) SetLevel(lv Level) {
	ll.level = lv
}

func (ll *localLogger) logf(lv Level, format string, v ...any) {
	if ll.level > lv {
		return
	}
	msg := lv.toString() + fmt.Sprintf(format, v...)
	_ = ll.logger.Output(3, msg)
	if lv == LevelFatal {
		os.Exit(1)
	}
}

func (ll *localLogger) Debugf(format string, v ...any) {
	ll.logf(LevelDebug, format, v...)
}

func (ll *localLogger) Infof(format string, v ...any) {
	ll.logf(LevelInfo, format, v...)
}

func (ll *localLogger) Warnf(format string, v ...any) {
	ll.logf(LevelWarn, format, v...)
}

func (ll *localLogger) Errorf(format string, v ...any) {
	ll.logf(LevelError, format, v...)
}

func (ll *localLogger) Fatalf(format string, v ...any) {
	ll.logf(LevelFatal, format, v...)
}
