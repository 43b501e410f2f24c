package httpapi

import (
	"net/http"
	"strings"

	"github.com/MrWong99/clausewise/internal/embedding"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/internal/search"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/store"
)

type embedRequest struct {
	Text     string `json:"text"`
	ModelID  string `json:"model_id"`
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := registry.WithTenant(r.Context(), req.TenantID)
	res, err := s.d.Embeddings.Generate(ctx, req.Text, req.ModelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type processRequest struct {
	OwnerKind   store.OwnerKind `json:"owner_kind"`
	Limit       int             `json:"limit"`
	Concurrency int             `json:"concurrency"`
	ModelID     string          `json:"model_id"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.d.Embeddings.ProcessPending(r.Context(), embedding.ProcessOptions{
		OwnerKind:   req.OwnerKind,
		Limit:       req.Limit,
		Concurrency: req.Concurrency,
		ModelID:     req.ModelID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type recordRequest struct {
	OwnerID   string          `json:"owner_id"`
	OwnerKind store.OwnerKind `json:"owner_kind"`
	TenantID  string          `json:"tenant_id"`
	ParentID  string          `json:"parent_id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
}

// handleUpsertRecord stores record text; the batch job embeds it later.
func (s *Server) handleUpsertRecord(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi: upsert record"
	var req recordRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	switch {
	case strings.TrimSpace(req.OwnerID) == "":
		writeError(w, r, aierr.InvalidInput(op, "owner_id is required"))
		return
	case !req.OwnerKind.Valid():
		writeError(w, r, aierr.InvalidInput(op, "unknown owner_kind %q", req.OwnerKind))
		return
	}
	if err := s.d.Store.UpsertRecord(r.Context(), store.Record{
		OwnerID:   req.OwnerID,
		OwnerKind: req.OwnerKind,
		TenantID:  req.TenantID,
		ParentID:  req.ParentID,
		Title:     req.Title,
		Content:   req.Content,
	}); err != nil {
		writeError(w, r, aierr.Persistence(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	TenantID    string          `json:"tenant_id"`
	Query       string          `json:"query"`
	ParentKind  store.OwnerKind `json:"parent_kind"`
	ChildKind   store.OwnerKind `json:"child_kind"`
	ParentLimit int             `json:"parent_limit"`
	ChildLimit  int             `json:"child_limit"`
}

type searchResponse struct {
	*search.TwoStageResult
	Context string `json:"context"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := registry.WithTenant(r.Context(), req.TenantID)
	res, err := search.Text(ctx, s.d.Embeddings, s.d.Search, req.Query, search.Query{
		TenantID:    req.TenantID,
		ParentKind:  req.ParentKind,
		ChildKind:   req.ChildKind,
		ParentLimit: req.ParentLimit,
		ChildLimit:  req.ChildLimit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		TwoStageResult: res,
		Context:        s.d.Assembler.Build(res.Parents, res.ChildrenByParent),
	})
}
