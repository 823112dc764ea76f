// Package nlog is the package-level logger shared by every component in
// this repository: buffer-free, severity-gated, one global level set once
// at startup and read lock-free thereafter on the hot path (nothing above
// Trace is ever reachable from loan/send/receive, see cmn/cos error-policy
// notes).
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

type Severity int32

const (
	SevTrace Severity = iota
	SevDebug
	SevInfo
	SevWarn
	SevError
	SevFatal
)

func (s Severity) String() string {
	switch s {
	case SevTrace:
		return "TRACE"
	case SevDebug:
		return "DEBUG"
	case SevInfo:
		return "INFO"
	case SevWarn:
		return "WARN"
	case SevError:
		return "ERROR"
	case SevFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel is case-insensitive, per spec §6's log-level environment
// variable contract.
func ParseLevel(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return SevTrace, true
	case "debug":
		return SevDebug, true
	case "info":
		return SevInfo, true
	case "warn", "warning":
		return SevWarn, true
	case "error":
		return SevError, true
	case "fatal":
		return SevFatal, true
	default:
		return SevInfo, false
	}
}

var level atomic.Int32 // holds Severity; default SevInfo

func init() { level.Store(int32(SevInfo)) }

// SetLevel is the one-shot write side of the global log-level setting
// (cmn/gcfg initializes it once from the environment; see spec §9's note
// on process-wide mutable state being limited to log level + config).
func SetLevel(s Severity) { level.Store(int32(s)) }

func Level() Severity { return Severity(level.Load()) }

func enabled(s Severity) bool { return s >= Level() }

func log(sev Severity, depth int, format string, args ...any) {
	if !enabled(sev) {
		return
	}
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
	}
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		file, line = "???", 0
	} else if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	now := time.Now().Format("2006-01-02 15:04:05.000000")
	fmt.Fprintf(os.Stderr, "%s %-5s %s:%d] %s", now, sev, file, line, msg)
}

func Tracef(format string, args ...any) { log(SevTrace, 0, format, args...) }
func Traceln(args ...any)               { log(SevTrace, 0, "", args...) }

func Debugf(format string, args ...any) { log(SevDebug, 0, format, args...) }
func Debugln(args ...any)               { log(SevDebug, 0, "", args...) }

func Infof(format string, args ...any) { log(SevInfo, 0, format, args...) }
func Infoln(args ...any)               { log(SevInfo, 0, "", args...) }
func InfoDepth(depth int, args ...any) { log(SevInfo, depth, "", args...) }

func Warnf(format string, args ...any) { log(SevWarn, 0, format, args...) }
func Warnln(args ...any)               { log(SevWarn, 0, "", args...) }

func Errorf(format string, args ...any)         { log(SevError, 0, format, args...) }
func Errorln(args ...any)                       { log(SevError, 0, "", args...) }
func ErrorDepth(depth int, args ...any)         { log(SevError, depth, "", args...) }
func ErrorDepthf(depth int, f string, a ...any) { log(SevError, depth, f, a...) }

// Fatalf logs at SevFatal (always enabled) and terminates the process.
// Reserved for unrecoverable startup failures; the hot path never calls it
// (spec §7: Corrupted is terminal for the affected service instance only,
// never for the whole process).
func Fatalf(format string, args ...any) {
	log(SevFatal, 0, format, args...)
	os.Exit(1)
}
