package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/flowpbx/callforward/internal/prompts"
	"github.com/go-chi/chi/v5"
)

// handleGetPrompt streams one stored prompt as audio/wav.
func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if msg := validateStringLen("key", key, maxIDLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if path.Ext(key) != ".wav" || containsControlChars(key) {
		writeError(w, http.StatusBadRequest, "key must name a .wav prompt")
		return
	}

	rc, err := s.opts.Prompts.Get(r.Context(), key)
	if errors.Is(err, prompts.ErrNotFound) {
		writeError(w, http.StatusNotFound, "prompt not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read prompt", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", key))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("prompt stream interrupted", "key", key, "error", err)
	}
}
