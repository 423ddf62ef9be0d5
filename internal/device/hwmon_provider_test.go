// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHwmonTree(t *testing.T, chipName, energy string) string {
	t.Helper()
	root := t.TempDir()
	chipDir := filepath.Join(root, "class", "hwmon", "hwmon0")
	require.NoError(t, os.MkdirAll(chipDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chipDir, "name"), []byte(chipName+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(chipDir, "energy1_input"), []byte(energy+"\n"), 0o644))
	return root
}

func setHwmonEnergy(t *testing.T, root, value string) {
	t.Helper()
	path := filepath.Join(root, "class", "hwmon", "hwmon0", "energy1_input")
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
}

func TestARMSoCProviderAvailable(t *testing.T) {
	assert.True(t, NewARMSoCProvider(nil, newFakeTS(0),
		WithSoCSysfsPath(fakeHwmonTree(t, "scmi_energy", "1000"))).Available())
	assert.True(t, NewARMSoCProvider(nil, newFakeTS(0),
		WithSoCSysfsPath(fakeHwmonTree(t, "arm_energy", "1000"))).Available())

	// unrelated hwmon chips are not an energy source
	assert.False(t, NewARMSoCProvider(nil, newFakeTS(0),
		WithSoCSysfsPath(fakeHwmonTree(t, "coretemp", "1000"))).Available())
	assert.False(t, NewARMSoCProvider(nil, newFakeTS(0),
		WithSoCSysfsPath(t.TempDir())).Available())
}

func TestARMSoCProviderReading(t *testing.T) {
	root := fakeHwmonTree(t, "scmi_energy", "2000000")
	p := NewARMSoCProvider(nil, newFakeTS(0), WithSoCSysfsPath(root))
	require.NoError(t, p.Init())
	defer p.Shutdown()

	r1, err := p.Reading()
	require.NoError(t, err)
	require.True(t, r1.Valid())
	assert.Equal(t, "arm-soc", r1.ProviderID)
	assert.Contains(t, r1.DomainEnergy, ZoneSoC)

	setHwmonEnergy(t, root, "2500000") // +0.5 J
	r2, err := p.Reading()
	require.NoError(t, err)
	assert.Equal(t, Energy(500_000), r2.DomainEnergy[ZoneSoC]-r1.DomainEnergy[ZoneSoC])
	assert.Equal(t, r2.DomainEnergy[ZoneSoC], r2.AggregateEnergy)
}

func TestARMSoCProviderSpec(t *testing.T) {
	root := fakeHwmonTree(t, "arm_energy", "1")
	p := NewARMSoCProvider(nil, newFakeTS(0), WithSoCSysfsPath(root))
	require.NoError(t, p.Init())
	defer p.Shutdown()

	spec := p.Spec()
	assert.Equal(t, ClassSoC, spec.HardwareClass)
	assert.Equal(t, []Zone{ZoneSoC}, spec.Domains)
	assert.Equal(t, uint(64), spec.CounterBits)
}

func TestARMSoCProviderLifecycle(t *testing.T) {
	root := fakeHwmonTree(t, "scmi_energy", "123")
	p := NewARMSoCProvider(nil, newFakeTS(0), WithSoCSysfsPath(root))

	require.NoError(t, p.Init())
	require.NoError(t, p.Init())
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Init())
	require.NoError(t, p.Shutdown())
}
