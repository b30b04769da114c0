package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clarity/internal/orchestrator"
	"clarity/internal/queue"
)

type MediaRequest struct {
	Kind        queue.MediaKind `json:"kind"`
	Prompt      string          `json:"prompt"`
	Image       string          `json:"image"`
	Size        string          `json:"size"`
	AspectRatio string          `json:"aspect_ratio"`
}

type MediaStatus struct {
	JobID  string              `json:"job_id"`
	Status string              `json:"status"`
	Result *queue.MediaOutcome `json:"result,omitempty"`
}

func handleSubmitMedia(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MediaRequest
		if err := decodeJSON(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !req.Kind.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be image, image_edit or video")
			return
		}
		if req.Kind != queue.KindImage && strings.TrimSpace(req.Image) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required for %s", req.Kind)
			return
		}
		if req.Kind == queue.KindImage && strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		switch req.Size {
		case "1K", "2K", "4K":
		default:
			req.Size = "1K"
		}

		job := queue.MediaJob{
			JobID:       queue.NewJobID(),
			Kind:        req.Kind,
			ClientID:    orchestrator.ClientID(r.Context()),
			Prompt:      req.Prompt,
			Image:       req.Image,
			Size:        req.Size,
			AspectRatio: req.AspectRatio,
		}

		if deps.Media == nil {
			out := runInline(r, deps.Orchestrator, job)
			writeJSON(w, http.StatusOK, MediaStatus{JobID: job.JobID, Status: "done", Result: &out})
			return
		}

		claimed := ""
		if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && deps.Dedupe != nil {
			existing, first, err := deps.Dedupe.Claim(r.Context(), key, job.JobID)
			switch {
			case err != nil:
				deps.Logger.Error().Err(err).Msg("submission dedupe failed")
			case !first:
				writeJSON(w, http.StatusAccepted, MediaStatus{JobID: existing, Status: "queued"})
				return
			default:
				claimed = key
			}
		}

		queued, err := deps.Media.Enqueue(r.Context(), job)
		if err != nil {
			deps.Logger.Error().Err(err).Str("job_id", job.JobID).Msg("media enqueue failed")
			if claimed != "" {
				if relErr := deps.Dedupe.Release(r.Context(), claimed, job.JobID); relErr != nil {
					deps.Logger.Error().Err(relErr).Str("job_id", job.JobID).Msg("failed to release idempotency key")
				}
			}
			httpError(w, http.StatusServiceUnavailable, "api_error", "media queue unavailable")
			return
		}
		deps.Metrics.EnqueuedJobs.Inc()
		writeJSON(w, http.StatusAccepted, MediaStatus{JobID: queued.JobID, Status: "queued"})
	}
}

func handleGetMedia(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if deps.Results == nil {
			httpError(w, http.StatusNotFound, "not_found", "media results are not kept without a queue")
			return
		}
		out, err := deps.Results.Get(r.Context(), id)
		if errors.Is(err, queue.ErrResultPending) {
			writeJSON(w, http.StatusOK, MediaStatus{JobID: id, Status: "pending"})
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load result: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, MediaStatus{JobID: id, Status: "done", Result: &out})
	}
}

func runInline(r *http.Request, o *orchestrator.Orchestrator, job queue.MediaJob) queue.MediaOutcome {
	var res orchestrator.MediaResult
	switch job.Kind {
	case queue.KindImage:
		res = o.GenerateImage(r.Context(), job.Prompt, job.Size)
	case queue.KindImageEdit:
		res = o.EditImage(r.Context(), job.Image, job.Prompt)
	case queue.KindVideo:
		res = o.GenerateVideo(r.Context(), job.Image, job.Prompt, job.AspectRatio)
	}
	return queue.MediaOutcome{
		JobID:      job.JobID,
		Kind:       job.Kind,
		URI:        res.URI,
		Degraded:   res.Degraded,
		Mode:       string(res.Mode),
		FinishedAt: time.Now().UTC(),
	}
}
