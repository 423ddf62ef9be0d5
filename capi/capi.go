// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

// Package main exposes the C ABI for foreign callers. Build with
//
//	go build -buildmode=c-shared -o libnemb.so ./capi
//
// Return conventions: 1 = success, 0 = failure, negative = required buffer
// size.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"encoding/json"
	"sync"
	"unsafe"

	"github.com/codegreen-project/nemb/internal/meter"
)

var (
	mu     sync.Mutex
	gMeter *meter.Meter
)

//export nemb_initialize
func nemb_initialize() C.int {
	mu.Lock()
	defer mu.Unlock()

	if gMeter != nil {
		return 1
	}

	m, err := meter.New(meter.DefaultConfig())
	if err != nil {
		return 0
	}
	if err := m.Start(); err != nil {
		return 0
	}
	gMeter = m
	return 1
}

//export nemb_start_session
func nemb_start_session(label *C.char) C.uint64_t {
	mu.Lock()
	m := gMeter
	mu.Unlock()

	if m == nil {
		return 0
	}
	return C.uint64_t(m.StartSession(C.GoString(label)))
}

//export nemb_stop_session
func nemb_stop_session(id C.uint64_t, energyJOut *C.double, avgPowerWOut *C.double) C.int {
	mu.Lock()
	m := gMeter
	mu.Unlock()

	if m == nil {
		return 0
	}

	diff, err := m.EndSession(uint64(id))
	if err != nil || !diff.Valid {
		return 0
	}
	if energyJOut != nil {
		*energyJOut = C.double(diff.EnergyJoules)
	}
	if avgPowerWOut != nil {
		*avgPowerWOut = C.double(diff.AveragePowerWatts)
	}
	return 1
}

//export nemb_read_current
func nemb_read_current(energyJOut *C.double, powerWOut *C.double) C.int {
	mu.Lock()
	m := gMeter
	mu.Unlock()

	if m == nil {
		return 0
	}

	reading := m.ReadInstant()
	if !reading.Valid() {
		return 0
	}
	if energyJOut != nil {
		*energyJOut = C.double(reading.AggregateEnergy.Joules())
	}
	if powerWOut != nil {
		*powerWOut = C.double(reading.AggregatePower.Watts())
	}
	return 1
}

//export nemb_mark_checkpoint
func nemb_mark_checkpoint(name *C.char) {
	mu.Lock()
	m := gMeter
	mu.Unlock()

	if m == nil {
		return
	}
	m.MarkCheckpoint(C.GoString(name))
}

type checkpointJSON struct {
	CheckpointID string  `json:"checkpoint_id"`
	Timestamp    uint64  `json:"timestamp"`
	Joules       float64 `json:"joules"`
	Watts        float64 `json:"watts"`
}

type checkpointsDoc struct {
	Checkpoints []checkpointJSON `json:"checkpoints"`
}

//export nemb_get_checkpoints_json
func nemb_get_checkpoints_json(buf *C.char, bufLen C.int) C.int {
	mu.Lock()
	m := gMeter
	mu.Unlock()

	if m == nil {
		return 0
	}

	correlated := m.CorrelatedCheckpoints()
	doc := checkpointsDoc{Checkpoints: make([]checkpointJSON, 0, len(correlated))}
	for _, c := range correlated {
		doc.Checkpoints = append(doc.Checkpoints, checkpointJSON{
			CheckpointID: c.Name,
			Timestamp:    c.TimestampNs,
			Joules:       c.CumulativeEnergyJoules,
			Watts:        c.InstantaneousPowerWatts,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return 0
	}

	needed := len(data) + 1 // trailing NUL
	if buf == nil || int(bufLen) < needed {
		return C.int(-needed)
	}

	out := unsafe.Slice((*byte)(unsafe.Pointer(buf)), needed)
	copy(out, data)
	out[len(data)] = 0
	return 1
}

func main() {}
