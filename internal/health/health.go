// Copyright 2024 The kube-autorollout Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health serves the liveness/readiness endpoints spec.md §6
// requires, plus the /metrics route the C12 prometheus metrics need to
// be scrapeable. Three static routes don't warrant a router dependency;
// the teacher's own HTTPS webhook server (controllers/webhook.go) is
// built the same way, on a bare net/http.ServeMux.
package health

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Server serves /health/live, /health/ready, and /metrics.
type Server struct {
	srv   *http.Server
	ready atomic.Bool
}

// New builds a Server bound to addr (e.g. ":8080", from
// config.Webserver.Port). It does not start listening until Start.
func New(addr string) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// MarkReady flips /health/ready to 200. Called once config has loaded
// and the scheduler has been armed.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Start begins serving in a background goroutine and returns
// immediately. It logs (but does not panic on) a listener error other
// than the expected ErrServerClosed.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("health: server error: %s", err)
		}
	}()
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
