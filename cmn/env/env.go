// Package env names the environment variables this repository reads.
// Ported shape from the teacher's api/env package: one struct of string
// constants, grouped by concern, so call sites never hardcode a variable
// name.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package env

var SHM = struct {
	// log-level, case-insensitive: trace|debug|info|warn|error|fatal (spec §6)
	LogLevel string
	// optional override for the default descriptor/config source (spec §6)
	ConfigPath string
	// optional override for the default path_hint root (spec §6, filesystem layout)
	PathHint string
}{
	LogLevel:   "SHMIPC_LOG_LEVEL",
	ConfigPath: "SHMIPC_CONFIG",
	PathHint:   "SHMIPC_PATH_HINT",
}
