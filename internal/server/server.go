// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codegreen-project/nemb/internal/service"
)

// APIService is the HTTP surface other services register endpoints on.
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves registered endpoints plus a landing page listing them.
type APIServer struct {
	logger *slog.Logger

	server              *http.Server
	mux                 *http.ServeMux
	listenAddr          string
	endpointDescription string
}

var _ APIService = (*APIServer)(nil)

type Opts struct {
	logger     *slog.Logger
	listenAddr string
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the address the server binds to
func WithListenAddress(addr string) OptionFn {
	return func(o *Opts) {
		o.listenAddr = addr
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		listenAddr: ":28282",
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:     opts.logger.With("service", "api-server"),
		mux:        mux,
		listenAddr: opts.listenAddr,
		server: &http.Server{
			Addr:              opts.listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := fmt.Fprintf(w, `<html>
<head><title>NEMB</title></head>
<body>
<h1>Native Energy Measurement Backend</h1>
<p>Available endpoints:</p>
<ul>
	%s
</ul>
</body>
</html>`, s.endpointDescription)
		if err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})
	return nil
}

// Register adds an endpoint and lists it on the landing page.
func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	s.logger.Info("Registering endpoint", "endpoint", endpoint, "summary", summary)
	s.mux.Handle(endpoint, handler)
	s.endpointDescription += fmt.Sprintf(
		`<li><a href=%q>%s</a>: %s</li>`, endpoint, summary, description)
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving HTTP", "addr", s.listenAddr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *APIServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
