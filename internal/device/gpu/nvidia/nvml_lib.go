// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLib abstracts the NVML library functions for testability.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDeviceHandle, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// nvmlDeviceHandle abstracts operations on a single NVML device handle.
type nvmlDeviceHandle interface {
	GetUUID() (string, nvml.Return)
	GetName() (string, nvml.Return)
	// GetPowerUsage returns the current draw in milliwatts
	GetPowerUsage() (uint32, nvml.Return)
}

// realNvmlLib is the production implementation backed by the NVML library.
type realNvmlLib struct{}

type realDeviceHandle struct {
	device nvml.Device
}

func newRealNvmlLib() nvmlLib {
	return &realNvmlLib{}
}

func (r *realNvmlLib) Init() nvml.Return {
	return nvml.Init()
}

func (r *realNvmlLib) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (r *realNvmlLib) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (r *realNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDeviceHandle, nvml.Return) {
	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return &realDeviceHandle{device: handle}, ret
}

func (r *realNvmlLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

func (h *realDeviceHandle) GetUUID() (string, nvml.Return) {
	return h.device.GetUUID()
}

func (h *realDeviceHandle) GetName() (string, nvml.Return) {
	return h.device.GetName()
}

func (h *realDeviceHandle) GetPowerUsage() (uint32, nvml.Return) {
	return h.device.GetPowerUsage()
}
