package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/metrics"
)

const maxBodyBytes = 1 << 16

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		writeJSON(w, http.StatusOK, s.progress.Search(r.Context(), q))
		return
	}
	writeJSON(w, http.StatusOK, s.progress.ReadAll(r.Context()))
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	item, ok := s.progress.Get(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handlePutProgress records a playback position. Persistence is best effort:
// a failed write is logged and counted but the client still gets 204.
func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	var item domain.WatchProgress
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}
	if strings.TrimSpace(item.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := s.progress.Upsert(r.Context(), item)
	metrics.ProgressUpdates.WithLabelValues("upsert", metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("failed to save watch progress", "id", item.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.progress.Remove(r.Context(), id)
	metrics.ProgressUpdates.WithLabelValues("remove", metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("failed to remove watch progress", "id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearProgress(w http.ResponseWriter, r *http.Request) {
	err := s.progress.Clear(r.Context())
	metrics.ProgressUpdates.WithLabelValues("clear", metrics.Result(err)).Inc()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// controlMessage is the {"type": ...} envelope pages post to the controller
type controlMessage struct {
	Type string `json:"type"`
}

// decodeMessage accepts either {"type":"clearCaches"} or a bare "clearCaches"
func decodeMessage(body []byte) (string, error) {
	var msg controlMessage
	if err := json.Unmarshal(body, &msg); err == nil {
		return msg.Type, nil
	}
	var bare string
	if err := json.Unmarshal(body, &bare); err != nil {
		return "", err
	}
	return bare, nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := decodeMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	if err := s.controller.HandleMessage(r.Context(), msg); err != nil {
		if errors.Is(err, domain.ErrUnknownMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("control message failed", "type", msg, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"type": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
