// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/10thfloor/dropcoord/coordinator"
	"github.com/10thfloor/dropcoord/drop"
	"github.com/10thfloor/dropcoord/kvstore"
	"github.com/10thfloor/dropcoord/notify"
	"github.com/10thfloor/dropcoord/participant"
	"github.com/10thfloor/dropcoord/queue"
	"github.com/10thfloor/dropcoord/signal"
	"github.com/10thfloor/dropcoord/userstate"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all
// subsystem loggers created from it will write to the backend.  When adding
// new subsystems, add the subsystem logger variable to the subsystemLoggers
// map.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	mainLog  = backendLog.Logger("MAIN")
	coorLog  = backendLog.Logger("COOR")
	dropLog  = backendLog.Logger("DROP")
	queueLog = backendLog.Logger("QUEU")
	partLog  = backendLog.Logger("PART")
	userLog  = backendLog.Logger("USER")
	ntfyLog  = backendLog.Logger("NTFY")
	kvdbLog  = backendLog.Logger("KVDB")
	sgnlLog  = backendLog.Logger("SGNL")
)

// Initialize package-global logger variables.
func init() {
	coordinator.UseLogger(coorLog)
	drop.UseLogger(dropLog)
	queue.UseLogger(queueLog)
	participant.UseLogger(partLog)
	userstate.UseLogger(userLog)
	notify.UseLogger(ntfyLog)
	kvstore.UseLogger(kvdbLog)
	signal.UseLogger(sgnlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"MAIN": mainLog,
	"COOR": coorLog,
	"DROP": dropLog,
	"QUEU": queueLog,
	"PART": partLog,
	"USER": userLog,
	"NTFY": ntfyLog,
	"KVDB": kvdbLog,
	"SGNL": sgnlLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
