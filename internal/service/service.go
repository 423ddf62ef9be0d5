// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the minimal contract all long-lived components implement.
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need a setup phase before Run.
// Init is not required to be thread safe.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services with a blocking main loop. Run must
// return when ctx is cancelled.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release
// after Run returns.
type Shutdowner interface {
	Service
	Shutdown() error
}
