package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/internal/registry"
	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
	"github.com/MrWong99/clausewise/pkg/store"
)

// handleTranscribe transcribes a raw audio body with the default
// transcription model, or with the given backend's default model when
// ?backend= is set.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi: transcribe"
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	ctx := registry.WithTenant(r.Context(), tenantID)

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, errBodyTooLarge)
			return
		}
		writeError(w, r, aierr.InvalidInput(op, "read audio: %v", err))
		return
	}
	if len(audio) == 0 {
		writeError(w, r, aierr.InvalidInput(op, "audio body is empty"))
		return
	}

	model, err := s.transcriptionModel(ctx, q.Get("backend"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	adapter, err := s.d.Providers.Resolve(ctx, model.Backend, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	start := time.Now()
	res, err := adapter.Transcribe(ctx, audio, r.Header.Get("Content-Type"), provider.TranscribeOptions{
		Model:    model.Name,
		Language: q.Get("language"),
		Prompt:   q.Get("prompt"),
	})
	tokens := 0
	if res != nil {
		tokens = provider.EstimateTokens(res.Text)
	}
	rec := store.UsageRecord{
		TenantID:  tenantID,
		ModelID:   model.ID,
		Operation: store.OpTranscribe,
		TokensOut: tokens,
		CostUSD:   provider.Cost(tokens, model.CostPer1K),
		LatencyMS: time.Since(start).Milliseconds(),
		Success:   err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if uerr := s.d.Store.RecordUsage(context.WithoutCancel(ctx), rec); uerr != nil {
		observe.Logger(ctx).Warn("httpapi: transcription usage not written", "model_id", model.ID, "err", uerr)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) transcriptionModel(ctx context.Context, backend string) (store.ModelDescriptor, error) {
	const op = "httpapi: transcription model"
	if backend == "" {
		m, err := s.d.Store.DefaultModel(ctx, store.KindTranscription)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return store.ModelDescriptor{}, aierr.Unavailable(op, "no active default transcription model")
		case err != nil:
			return store.ModelDescriptor{}, aierr.Persistence(op, err)
		}
		return m, nil
	}
	models, err := s.d.Store.Models(ctx)
	if err != nil {
		return store.ModelDescriptor{}, aierr.Persistence(op, err)
	}
	var pick *store.ModelDescriptor
	for i, m := range models {
		if m.Kind != store.KindTranscription || !m.Active || m.Backend != backend {
			continue
		}
		if pick == nil || m.IsDefault {
			pick = &models[i]
		}
	}
	if pick == nil {
		return store.ModelDescriptor{}, aierr.Unavailable(op, "backend %q has no active transcription model", backend)
	}
	return *pick, nil
}
