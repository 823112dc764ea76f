// Package mono provides a low-level monotonic-time source, independent of
// wall-clock adjustments, used for node uptime.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns nanoseconds from an arbitrary, process-local monotonic
// epoch. Only differences between two NanoTime() calls are meaningful.
func NanoTime() int64 { return int64(time.Since(epoch)) }

var epoch = time.Now()

// Since returns the monotonic duration elapsed since a prior NanoTime().
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }
