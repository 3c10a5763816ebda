package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jordanhubbard/quorum/internal/orchestrator"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/temporal"
)

// debateRequest is the POST /v1/debates body.
type debateRequest struct {
	Question string `json:"question"`
	Options  struct {
		Protocol             string   `json:"protocol,omitempty"`
		MaxRounds            int      `json:"max_rounds,omitempty"`
		Decompose            bool     `json:"decompose,omitempty"`
		Tools                bool     `json:"tools,omitempty"`
		Panel                []string `json:"panel,omitempty"`
		Proposer             string   `json:"proposer,omitempty"`
		Challengers          []string `json:"challengers,omitempty"`
		ConvergenceThreshold float64  `json:"convergence_threshold,omitempty"`
		CostHardLimit        float64  `json:"cost_hard_limit,omitempty"`
	} `json:"options"`
}

func (d Dependencies) handleDebate(w http.ResponseWriter, r *http.Request) {
	var req debateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		jsonError(w, "question is required", http.StatusBadRequest)
		return
	}

	opts := orchestrator.Options{
		Protocol:             req.Options.Protocol,
		MaxRounds:            req.Options.MaxRounds,
		Decompose:            req.Options.Decompose,
		Tools:                req.Options.Tools,
		Panel:                req.Options.Panel,
		Proposer:             req.Options.Proposer,
		Challengers:          req.Options.Challengers,
		ConvergenceThreshold: req.Options.ConvergenceThreshold,
		CostHardLimitUSD:     req.Options.CostHardLimit,
	}

	out, err := d.runDebate(r, req.Question, opts)
	if err != nil {
		var re *orchestrator.RunError
		if errors.As(err, &re) {
			writeJSON(w, statusForKind(re.Kind), map[string]string{
				"thread_id":  re.ThreadID,
				"error_kind": string(re.Kind),
				"message":    re.Err.Error(),
			})
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// runDebate dispatches through Temporal when it is configured and its
// circuit is closed, falling back to the in-process orchestrator otherwise.
func (d Dependencies) runDebate(r *http.Request, question string, opts orchestrator.Options) (orchestrator.Output, error) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := providers.WithRequestID(r.Context(), reqID)

	if d.Temporal != nil && (d.CircuitBreaker == nil || d.CircuitBreaker.Allow()) {
		out, err := d.Temporal.RunDebate(ctx, temporal.DebateInput{
			RequestID: reqID,
			Question:  question,
			Options:   opts,
		})
		if err == nil {
			if d.CircuitBreaker != nil {
				d.CircuitBreaker.RecordSuccess()
			}
			return out.Output, nil
		}
		// A failed thread is a real answer, not a Temporal outage.
		if out.ThreadID != "" {
			if d.CircuitBreaker != nil {
				d.CircuitBreaker.RecordSuccess()
			}
			return orchestrator.Output{}, &orchestrator.RunError{
				ThreadID: out.ThreadID,
				Kind:     providers.Kind(out.ErrorKind),
				Err:      errors.New(out.Error),
			}
		}
		if d.CircuitBreaker != nil {
			d.CircuitBreaker.RecordFailure()
		}
		slog.Warn("temporal dispatch failed, running in-process",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		if d.Metrics != nil {
			d.Metrics.TemporalFallbackTotal.Inc()
		}
	}

	return d.Orchestrator.Ask(ctx, question, opts)
}

func statusForKind(kind providers.Kind) int {
	switch kind {
	case providers.KindAuth:
		return http.StatusBadGateway
	case providers.KindCostLimit:
		return http.StatusPaymentRequired
	case providers.KindModelNotFound, providers.KindInsufficientModels:
		return http.StatusUnprocessableEntity
	case providers.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (d Dependencies) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Dependencies) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Ready when the store answers.
	if _, err := d.Store.ListThreads(r.Context(), "", 1); err != nil {
		jsonError(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d Dependencies) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	threads, err := d.Store.ListThreads(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (d Dependencies) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	history, err := d.Store.GetThreadWithHistory(r.Context(), threadID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		jsonError(w, "thread not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// outcomeRequest is the POST body for recording feedback on a thread.
type outcomeRequest struct {
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

func (d Dependencies) handleSaveOutcome(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Result {
	case store.OutcomeSuccess, store.OutcomePartial, store.OutcomeFailure, store.OutcomeUnknown:
	default:
		jsonError(w, "result must be success, partial, failure or unknown", http.StatusBadRequest)
		return
	}

	thread, err := d.Store.GetThread(r.Context(), threadID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if thread == nil {
		jsonError(w, "thread not found", http.StatusNotFound)
		return
	}

	outcome, err := d.Store.SaveOutcome(r.Context(), store.OutcomeRecord{
		ThreadID: threadID,
		Result:   req.Result,
		Notes:    req.Notes,
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (d Dependencies) handleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	if keyword == "" {
		jsonError(w, "q parameter is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := d.Store.Search(r.Context(), keyword, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (d Dependencies) handleStats(w http.ResponseWriter, _ *http.Request) {
	if d.Stats == nil {
		jsonError(w, "stats disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_model":    d.Stats.Summary(),
		"by_provider": d.Stats.SummaryByProvider(),
		"global":      d.Stats.Global(),
	})
}

func (d Dependencies) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	if d.Health == nil {
		jsonError(w, "health tracking disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.AllStats()})
}
