// Package gcfg holds the one piece of global, process-wide mutable state
// this repository permits beyond the log level (spec §9): a read-only
// config snapshot, initialized exactly once via sync.Once and never
// mutated afterward. Every other piece of state lives in a *node.Node, a
// *svc.Service, or shared memory.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gcfg

import (
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/zerocopy-ipc/shmipc/cmn/env"
	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
)

// Config is the global, process-wide descriptor-source override. It does
// not carry per-service static config (spec §4.C owns that) - only the
// defaults a Named-Concept Registry falls back to when a caller doesn't
// specify prefix/suffix/path_hint explicitly (spec §6).
type Config struct {
	PathHint string `json:"path_hint"`
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
}

func defaultConfig() Config {
	return Config{
		PathHint: os.TempDir(),
		Prefix:   "shmipc_",
		Suffix:   "",
	}
}

var (
	once     sync.Once
	snapshot Config
)

// Get returns the process-wide config snapshot, initializing it from the
// environment (and, if set, an override file) on first call. Safe for
// concurrent use; the snapshot itself is copied out so callers can never
// mutate shared state.
func Get() Config {
	once.Do(initOnce)
	return snapshot
}

// TestReset re-arms the one-shot for test isolation; never called from
// non-test code.
func TestReset() { once = sync.Once{} }

func initOnce() {
	snapshot = defaultConfig()

	if lvl, ok := os.LookupEnv(env.SHM.LogLevel); ok {
		if sev, ok := nlog.ParseLevel(lvl); ok {
			nlog.SetLevel(sev)
		} else {
			nlog.Warnf("gcfg: ignoring unrecognized %s=%q", env.SHM.LogLevel, lvl)
		}
	}
	if hint, ok := os.LookupEnv(env.SHM.PathHint); ok && hint != "" {
		snapshot.PathHint = hint
	}
	if path, ok := os.LookupEnv(env.SHM.ConfigPath); ok && path != "" {
		if err := loadFile(path, &snapshot); err != nil {
			nlog.Warnf("gcfg: failed to load %s=%q: %v", env.SHM.ConfigPath, path, err)
		}
	}
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, cfg)
}
