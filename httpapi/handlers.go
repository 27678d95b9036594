package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/judgebox/evaluator"
	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/sandbox"
)

// --- JSON helpers ---

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps a judge error to an HTTP status and a stable kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, judge.ErrInvalidRequest), errors.Is(err, evaluator.ErrNoTestCases):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return http.StatusBadRequest, sandbox.KindUnsupportedLanguage
	case errors.Is(err, sandbox.ErrAdmissionRejected):
		return http.StatusServiceUnavailable, sandbox.KindAdmissionRejected
	case errors.Is(err, sandbox.ErrImageUnavailable):
		return http.StatusBadGateway, sandbox.KindImageUnavailable
	case errors.Is(err, sandbox.ErrInfrastructure):
		return http.StatusBadGateway, sandbox.KindInfrastructure
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "cancelled"
	default:
		return http.StatusInternalServerError, sandbox.KindInternal
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

// --- Requests ---

type limitsRequest struct {
	CPUs      float64 `json:"cpus"`
	MemoryMB  int     `json:"memory_mb"`
	PidsLimit int64   `json:"pids_limit"`
}

func (l *limitsRequest) toLimits() sandbox.Limits {
	if l == nil {
		return sandbox.Limits{}
	}
	return sandbox.Limits{CPUs: l.CPUs, MemoryMB: l.MemoryMB, PidsLimit: l.PidsLimit}
}

type executeRequest struct {
	Code      string               `json:"code"`
	Language  string               `json:"language"`
	TestCases []evaluator.TestCase `json:"test_cases"`
	Harness   sandbox.Harness      `json:"harness,omitempty"`
	TimeoutMS int64                `json:"timeout_ms,omitempty"`
	Limits    *limitsRequest       `json:"limits,omitempty"`
}

type runRequest struct {
	Code      string         `json:"code"`
	Language  string         `json:"language"`
	Stdin     string         `json:"stdin"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	Limits    *limitsRequest `json:"limits,omitempty"`
}

// --- Handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "timeout_ms must not be negative")
		return
	}

	res, err := s.judge.Execute(r.Context(), judge.ExecutionRequest{
		Code:      req.Code,
		Language:  req.Language,
		TestCases: req.TestCases,
		Harness:   req.Harness,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		Limits:    req.Limits.toLimits(),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "timeout_ms must not be negative")
		return
	}

	res, err := s.judge.RunOnce(r.Context(), judge.RunOnceRequest{
		Code:     req.Code,
		Language: req.Language,
		Stdin:    req.Stdin,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
		Limits:   req.Limits.toLimits(),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": s.judge.Languages()})
}

type instanceView struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

func (s *Server) handleInstances(w http.ResponseWriter, _ *http.Request) {
	views := []instanceView{}
	if s.pool != nil {
		for _, inst := range s.pool.Snapshot() {
			views = append(views, instanceView{
				ID:        inst.ID,
				State:     inst.State.String(),
				Image:     inst.Spec.Image,
				CreatedAt: inst.CreatedAt,
				LastUsed:  inst.LastUsed,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, sandbox.KindInfrastructure, fmt.Sprintf("engine unreachable: %v", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
