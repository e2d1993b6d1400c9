//go:build devharness

package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"coreos/pkg/hardening"
	"coreos/pkg/harness"
	"coreos/pkg/httpx"
)

const harnessCompiled = true

// mountHarness adds the self-check routes. They run against fresh engines and
// never touch the live ones.
func mountHarness(r chi.Router, s *Server) {
	if !s.Config.DevHarness {
		return
	}
	r.Group(func(dev chi.Router) {
		dev.Use(s.nonProductionOnly)
		dev.Get("/dev/policy-gates", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, harness.PolicyGates())
		})
		dev.Get("/dev/governance-gates", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, harness.GovernanceGates())
		})
	})
}

func (s *Server) nonProductionOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hardening.IsProductionLike(s.Config.Environment) {
			httpx.Error(w, http.StatusForbidden, "dev harness disabled in "+s.Config.Environment)
			return
		}
		next.ServeHTTP(w, r)
	})
}
