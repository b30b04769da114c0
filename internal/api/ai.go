package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"clarity/internal/history"
	"clarity/internal/orchestrator"
	"clarity/internal/providers"
)

type AIRequest struct {
	Input         string           `json:"input"`
	Context       string           `json:"context"`
	LearningStyle string           `json:"learning_style"`
	Audience      string           `json:"audience"`
	History       []providers.Turn `json:"history"`
	Fast          bool             `json:"fast"`

	HistoryLog string   `json:"history_log"`
	EntryType  string   `json:"entry_type"`
	Tags       []string `json:"tags"`
}

type AIResponse struct {
	Result orchestrator.Result `json:"result"`
	Entry  *history.Entry      `json:"entry,omitempty"`
}

type operation struct {
	entryType    string
	// defaultInput replaces a blank input; operations without one require input.
	defaultInput string
	run          func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result
}

var operations = map[string]operation{
	"tender": {"DAO", "Analyse Approfondie DAO", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		return o.AnalyzeTender(ctx, req.Input)
	}},
	"pitch": {"PITCH", "", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		return o.GeneratePitchDeck(ctx, req.Input)
	}},
	"podcast": {"PODCAST", "", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		return o.GeneratePodcastScript(ctx, req.Input, orchestrator.Audience(strings.ToUpper(req.Audience)))
	}},
	"analysis": {"ANALYSIS", "", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		background := req.Context
		if strings.TrimSpace(background) == "" {
			background = "Révision académique intensive"
		}
		return o.DeepAnalysis(ctx, req.Input, background, req.LearningStyle)
	}},
	"brain": {"BRAIN", "", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		return o.BrainAgent(ctx, req.Context, req.Input, req.History, req.Fast)
	}},
	"chat": {"CHAT", "", func(ctx context.Context, o *orchestrator.Orchestrator, req AIRequest) orchestrator.Result {
		return o.Chat(ctx, req.Input, req.History)
	}},
}

func handleAI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "operation")
		op, ok := operations[name]
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "unknown operation %q", name)
			return
		}

		var req AIRequest
		if err := decodeJSON(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Input) == "" {
			if op.defaultInput == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "input is required")
				return
			}
			req.Input = op.defaultInput
		}

		res := op.run(r.Context(), deps.Orchestrator, req)
		out := AIResponse{Result: res}

		if log := strings.TrimSpace(req.HistoryLog); log != "" {
			entryType := req.EntryType
			if entryType == "" {
				entryType = op.entryType
			}
			entry := deps.History.Append(r.Context(), log, history.Entry{
				Type:  entryType,
				Input: req.Input,
				Text:  res.Text,
				Tags:  req.Tags,
			})
			out.Entry = &entry
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := chi.URLParam(r, "log")
		writeJSON(w, http.StatusOK, map[string]any{
			"log":     log,
			"entries": deps.History.ReadAll(r.Context(), log),
		})
	}
}

type connectivityView struct {
	ForcedOffline bool `json:"forced_offline"`
	Offline       bool `json:"offline"`
}

func handleGetConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := deps.Orchestrator.State()
		writeJSON(w, http.StatusOK, connectivityView{ForcedOffline: s.ForcedOffline(), Offline: s.IsOffline()})
	}
}

func handlePutConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ForcedOffline *bool `json:"forced_offline"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ForcedOffline == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "forced_offline is required")
			return
		}
		s := deps.Orchestrator.State()
		s.SetForceOffline(*req.ForcedOffline)
		deps.Logger.Info().Bool("forced_offline", *req.ForcedOffline).Msg("connectivity override changed")
		writeJSON(w, http.StatusOK, connectivityView{ForcedOffline: s.ForcedOffline(), Offline: s.IsOffline()})
	}
}
