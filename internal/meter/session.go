// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codegreen-project/nemb/internal/store"
	"github.com/google/uuid"
)

// EnergyDifference is the result of a completed measurement session.
type EnergyDifference struct {
	EnergyJoules       float64
	AveragePowerWatts  float64
	DurationSeconds    float64
	PerComponentEnergy map[string]float64
	Valid              bool
}

type session struct {
	id      uint64
	label   string
	startNs uint64
}

// StartSession opens a named measurement interval and returns its id.
func (m *Meter) StartSession(label string) uint64 {
	id := m.sessionSeq.Add(1)
	m.sessionMu.Lock()
	m.sessions[id] = &session{
		id:      id,
		label:   label,
		startNs: m.clk.Now(),
	}
	m.sessionMu.Unlock()
	return id
}

// EndSession closes a session and returns the energy consumed over its
// interval. The result is invalid when the interval cannot be correlated
// against the ring buffer.
func (m *Meter) EndSession(id uint64) (EnergyDifference, error) {
	endNs := m.clk.Now()

	m.sessionMu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.sessionMu.Unlock()

	if !ok {
		return EnergyDifference{}, fmt.Errorf("unknown session id %d", id)
	}

	readings := validReadings(m.coord.Snapshot())

	startJ, _, okStart := interpolateAt(readings, s.startNs)
	endJ, _, okEnd := interpolateAt(readings, endNs)

	diff := EnergyDifference{
		DurationSeconds: float64(endNs-s.startNs) / 1e9,
		Valid:           okStart && okEnd && endNs > s.startNs,
	}
	if diff.Valid {
		diff.EnergyJoules = endJ - startJ
		if diff.DurationSeconds > 0 {
			diff.AveragePowerWatts = diff.EnergyJoules / diff.DurationSeconds
		}

		startPer := perProviderEnergyAt(readings, s.startNs)
		endPer := perProviderEnergyAt(readings, endNs)
		diff.PerComponentEnergy = make(map[string]float64, len(endPer))
		for provider, e := range endPer {
			diff.PerComponentEnergy[provider] = e - startPer[provider]
		}
	}

	if m.store != nil {
		m.persistSession(s, endNs, diff)
	}
	return diff, nil
}

func (m *Meter) persistSession(s *session, endNs uint64, diff EnergyDifference) {
	perComponent, err := json.Marshal(diff.PerComponentEnergy)
	if err != nil {
		perComponent = []byte("{}")
	}

	rec := store.SessionRecord{
		ID:                uuid.NewString(),
		Label:             s.label,
		StartNs:           s.startNs,
		EndNs:             endNs,
		EnergyJoules:      diff.EnergyJoules,
		AveragePowerWatts: diff.AveragePowerWatts,
		DurationSeconds:   diff.DurationSeconds,
		PerComponentJSON:  string(perComponent),
		Valid:             diff.Valid,
		CreatedAt:         time.Now(),
	}
	if err := m.store.SaveSession(rec); err != nil {
		m.logger.Warn("failed to persist session", "label", s.label, "error", err)
	}
}
