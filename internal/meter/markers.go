// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"sort"
	"sync"
)

// Marker is a user checkpoint: a named nanosecond instant.
type Marker struct {
	Name        string
	TimestampNs uint64
}

// markerCapacity is preallocated so steady-state marking does not allocate.
const markerCapacity = 8192

// markerLog is an append-only marker list. Appends take a short mutex and
// amortized-constant time; the hot path performs no I/O and, within the
// preallocated capacity, no allocation.
type markerLog struct {
	mu      sync.Mutex
	markers []Marker
}

func newMarkerLog() *markerLog {
	return &markerLog{
		markers: make([]Marker, 0, markerCapacity),
	}
}

func (l *markerLog) add(name string, tsNs uint64) {
	l.mu.Lock()
	l.markers = append(l.markers, Marker{Name: name, TimestampNs: tsNs})
	l.mu.Unlock()
}

func (l *markerLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.markers)
}

// snapshotSorted copies the markers out sorted by timestamp. Insertion
// order across threads follows mutex acquisition, which may not match
// timestamp order, so correlation always sorts first. The sort is stable
// to keep insertion order among equal timestamps.
func (l *markerLog) snapshotSorted() []Marker {
	l.mu.Lock()
	out := make([]Marker, len(l.markers))
	copy(out, l.markers)
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampNs < out[j].TimestampNs
	})
	return out
}

func (l *markerLog) reset() {
	l.mu.Lock()
	l.markers = l.markers[:0]
	l.mu.Unlock()
}
