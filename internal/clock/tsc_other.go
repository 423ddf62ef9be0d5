// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64

package clock

func rdtsc() uint64 { return 0 }

func hasInvariantTSC() bool { return false }
