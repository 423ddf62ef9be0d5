// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTS is a deterministic Timestamper for provider tests
type fakeTS struct {
	ns atomic.Uint64
}

func newFakeTS(start uint64) *fakeTS {
	ts := &fakeTS{}
	ts.ns.Store(start)
	return ts
}

// Now returns a strictly increasing timestamp, advancing 1ms per call
func (f *fakeTS) Now() uint64 {
	return f.ns.Add(1_000_000)
}

type stubProvider struct {
	name      string
	available bool
	initErr   error
}

func (s *stubProvider) Name() string                     { return s.name }
func (s *stubProvider) Init() error                      { return s.initErr }
func (s *stubProvider) Reading() (*EnergyReading, error) { return &EnergyReading{}, nil }
func (s *stubProvider) Spec() ProviderSpec               { return ProviderSpec{Name: s.name} }
func (s *stubProvider) SelfTest() bool                   { return true }
func (s *stubProvider) Available() bool                  { return s.available }
func (s *stubProvider) Shutdown() error                  { return nil }

func TestRegistryCreate(t *testing.T) {
	Register("stub-create", func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return &stubProvider{name: "stub-create", available: true}, nil
	})

	p, err := Create("stub-create", slog.Default(), newFakeTS(0))
	require.NoError(t, err)
	assert.Equal(t, "stub-create", p.Name())

	_, err = Create("no-such-provider", slog.Default(), newFakeTS(0))
	assert.Error(t, err)
}

func TestRegistryDetectSkipsUnavailableAndFailing(t *testing.T) {
	Register("stub-ok", func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return &stubProvider{name: "stub-ok", available: true}, nil
	})
	Register("stub-absent", func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return &stubProvider{name: "stub-absent", available: false}, nil
	})
	Register("stub-init-fails", func(logger *slog.Logger, ts Timestamper) (Provider, error) {
		return &stubProvider{name: "stub-init-fails", available: true, initErr: fmt.Errorf("boom")}, nil
	})

	detected := Detect(slog.Default(), newFakeTS(0))

	names := map[string]bool{}
	for _, p := range detected {
		names[p.Name()] = true
	}
	assert.True(t, names["stub-ok"])
	assert.False(t, names["stub-absent"])
	assert.False(t, names["stub-init-fails"])
}

func TestRegisteredNamesSorted(t *testing.T) {
	names := RegisteredNames()
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}
