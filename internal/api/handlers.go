package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"colldialer/internal/dispatch"
	"colldialer/internal/errs"
	"colldialer/internal/models"
)

// statusOf maps a pipeline error to the HTTP status the caller should see.
func statusOf(err error) int {
	if errs.KindOf(err) == errs.KindStructural {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.checkWebhookSecret(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var cb models.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Callbacks.HandleCallback(r.Context(), cb); err != nil {
		s.logger.Warn().Err(err).Str("task_id", cb.TaskID).Str("callback_type", cb.Type).Msg("callback rejected")
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID int64  `json:"account_id"`
		Bucket    string `json:"bucket"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Bucket = strings.TrimSpace(body.Bucket)
	if body.AccountID <= 0 {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if body.Bucket == "" {
		writeError(w, http.StatusBadRequest, "bucket is required")
		return
	}

	day := s.deps.Today(s.now())
	n, err := s.deps.Calls.Cancel(r.Context(), body.Bucket, day, body.AccountID)
	switch {
	case errors.Is(err, dispatch.ErrNotSent):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Int64("account_id", body.AccountID).Str("bucket", body.Bucket).Msg("cancel failed")
		writeError(w, statusOf(err), "cancel failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": body.AccountID,
		"bucket":     body.Bucket,
		"day":        day,
		"cancelled":  n,
	})
}

func (s *HTTPServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.PathValue("call_id"))
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	link, err := s.deps.Recordings.Recording(r.Context(), callID)
	if err != nil {
		if errs.KindOf(err) == errs.KindStructural {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error().Err(err).Str("call_id", callID).Msg("recording lookup failed")
		writeError(w, http.StatusBadGateway, "recording lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "url": link})
}

type taskStatus struct {
	ID      int64            `json:"id"`
	Type    string           `json:"type"`
	Status  string           `json:"status"`
	Error   string           `json:"error,omitempty"`
	Counts  map[string]int64 `json:"counts,omitempty"`
	Pages   map[int]string   `json:"pages,omitempty"`
	Updated time.Time        `json:"updated_at"`
}

func (s *HTTPServer) handleBucketStatus(w http.ResponseWriter, r *http.Request) {
	bucketName := strings.TrimSpace(r.PathValue("bucket"))
	day := strings.TrimSpace(r.URL.Query().Get("day"))
	if day == "" {
		day = s.deps.Today(s.now())
	} else if _, err := time.Parse(models.DateLayout, day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid day format; expected YYYY-MM-DD")
		return
	}

	var tasks []taskStatus
	for _, workType := range []string{models.WorkConstruct, models.WorkUpload, models.WorkReconcile} {
		task, err := s.deps.Tasks.Find(r.Context(), workType, bucketName, day)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "task lookup failed")
			return
		}
		if task == nil {
			continue
		}
		view, err := s.deps.Tasks.View(r.Context(), task.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "task lookup failed")
			return
		}
		tasks = append(tasks, taskStatus{
			ID:      task.ID,
			Type:    task.Type,
			Status:  view.Status,
			Error:   task.Error,
			Counts:  view.Counts,
			Pages:   view.Pages,
			Updated: task.UpdatedAt,
		})
	}

	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, "no tasks for bucket on day")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": bucketName, "day": day, "tasks": tasks})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	degraded := s.deps.Degraded != nil && s.deps.Degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "degraded": degraded})
}
