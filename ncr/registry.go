// Package ncr implements the Named-Concept Registry (spec §4.A): a
// filesystem-like namespace of small rendezvous artifacts identified by
// (prefix, name, suffix) under a path_hint. It does not interpret artifact
// contents - it is strictly a namespace, the foundation every other
// component (monitoring tokens, static/dynamic config, payload segments)
// builds its own artifact on top of.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ncr

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/gcfg"
	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
)

// Config parameterizes one namespace kind (spec §6: "prefix, suffix, and
// path-hint are configurable per named-concept kind").
type Config struct {
	PathHint string
	Prefix   string
	Suffix   string
}

func (c Config) resolve(name string) string {
	return filepath.Join(c.PathHint, c.Prefix+name+c.Suffix)
}

// bounded, restricted-character names only (spec §3: "bounded length,
// restricted character set, no separators").
const maxNameLen = 128

func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return cos.NewErrDoesNotExist("invalid name %q", name)
	}
	if strings.ContainsAny(name, string(os.PathSeparator)+"\x00") {
		return cos.NewErrDoesNotExist("invalid name %q: contains a path separator", name)
	}
	return nil
}

// Create creates a new artifact exclusively: *cos.ErrAlreadyExists if the
// (prefix, name, suffix) triple already maps to an object.
func Create(name string, cfg Config) (*os.File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := cfg.resolve(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		return f, nil
	case os.IsExist(err):
		return nil, cos.NewErrAlreadyExists("%s", path)
	case os.IsPermission(err):
		return nil, &cos.ErrPermission{Op: "create", Path: path, Cause: err}
	default:
		nlog.Warnf("ncr: create %q failed: %v", path, err)
		return nil, cos.NewErrInternal("ncr.Create", err)
	}
}

// Open opens an existing artifact: *cos.ErrDoesNotExist if absent.
func Open(name string, cfg Config) (*os.File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := cfg.resolve(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	switch {
	case err == nil:
		return f, nil
	case os.IsNotExist(err):
		return nil, cos.NewErrDoesNotExist("%s", path)
	case os.IsPermission(err):
		return nil, &cos.ErrPermission{Op: "open", Path: path, Cause: err}
	default:
		return nil, cos.NewErrInternal("ncr.Open", err)
	}
}

// Remove is `unsafe` in intent (spec §4.A): the caller asserts no live
// holder remains. Returns whether an artifact was actually removed, so
// callers (e.g. cleanup racing another cleanup) can tell "I removed it"
// apart from "it was already gone" without treating the latter as a
// failure (spec §3: "removing a nonexistent artifact is reported
// distinctly from success").
func Remove(name string, cfg Config) (removed bool, err error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	path := cfg.resolve(name)
	err = os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	case os.IsPermission(err):
		return false, &cos.ErrPermission{Op: "remove", Path: path, Cause: err}
	default:
		return false, cos.NewErrInternal("ncr.Remove", err)
	}
}

// List returns the core names (prefix/suffix stripped) of every artifact
// in cfg's namespace, filtered by cfg's own prefix/suffix. Implemented
// with godirwalk for a single non-recursive, low-allocation directory
// scan rather than os.ReadDir's per-entry Lstat.
func List(cfg Config) ([]string, error) {
	var names []string
	entries, err := godirwalk.ReadDirents(cfg.PathHint, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cos.NewErrInternal("ncr.List", err)
	}
	for _, de := range entries {
		base := de.Name()
		if !strings.HasPrefix(base, cfg.Prefix) || !strings.HasSuffix(base, cfg.Suffix) {
			continue
		}
		core := strings.TrimSuffix(strings.TrimPrefix(base, cfg.Prefix), cfg.Suffix)
		if core != "" {
			names = append(names, core)
		}
	}
	return names, nil
}

// Resolve exposes the full path for an artifact name, used by components
// (mon, svc, shm) that need to hand a concrete filesystem path to a
// lower-level primitive after ncr has validated the name.
func Resolve(name string, cfg Config) string { return cfg.resolve(name) }

// Default builds a Config from the process-wide snapshot (spec §6's
// configurable defaults), for callers that have no per-kind prefix/suffix
// of their own to specify.
func Default() Config {
	c := gcfg.Get()
	return Config{PathHint: c.PathHint, Prefix: c.Prefix, Suffix: c.Suffix}
}
