// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"os"
	"os/signal"
)

// SignalHandler is a Runner that terminates the service group when one of
// the registered signals is delivered.
type SignalHandler struct {
	signals []os.Signal
}

func NewSignalHandler(signals ...os.Signal) *SignalHandler {
	return &SignalHandler{
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case <-c:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
