package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

func (s *Server) handleInvalidate(w http.ResponseWriter, _ *http.Request) {
	s.d.Providers.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateTenant(w http.ResponseWriter, r *http.Request) {
	s.d.Providers.InvalidateTenant(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Config json.RawMessage `json:"config"`
	Active bool            `json:"active"`
}

// handlePutOverride stores a tenant credential override and drops the
// tenant's cached adapters so the next call uses it.
func (s *Server) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi: put override"
	var req overrideRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o := store.TenantOverride{
		TenantID: r.PathValue("id"),
		Backend:  r.PathValue("backend"),
		Config:   req.Config,
		Active:   req.Active,
	}
	if _, err := o.Settings(); err != nil {
		writeError(w, r, aierr.InvalidInput(op, "%v", err))
		return
	}
	if err := s.d.Store.PutOverride(r.Context(), o); err != nil {
		writeError(w, r, aierr.Persistence(op, err))
		return
	}
	s.d.Providers.InvalidateTenant(o.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

type usageResponse struct {
	Tokens   int64    `json:"tokens"`
	CostUSD  float64  `json:"cost_usd"`
	Backends []string `json:"backends"`
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	t := s.d.Providers.Usage()
	writeJSON(w, http.StatusOK, usageResponse{Tokens: t.Tokens, CostUSD: t.CostUSD, Backends: s.d.Providers.Backends()})
}
