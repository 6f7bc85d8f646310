package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/orchestrator"
)

const maxRequestBytes = 1 << 20

// submitRequest is the body shared by job submission routes.
type submitRequest[T any] struct {
	URL        string   `json:"url"`
	URLs       []string `json:"urls"`
	WebhookURL string   `json:"webhookUrl"`
	Sync       *bool    `json:"sync"`
	TimeoutMs  *int64   `json:"timeoutMs"`
	Options    T        `json:"options"`
}

// submitTargets accepts a single target in url, a list in urls, or both. url comes first.
func submitTargets(url string, urls []string) []string {
	out := make([]string, 0, len(urls)+1)
	if strings.TrimSpace(url) != "" {
		out = append(out, url)
	}
	return append(out, urls...)
}

// timeoutFrom validates a caller supplied wait against limit before converting it.
func timeoutFrom(ms int64, limit time.Duration) (time.Duration, error) {
	if ms <= 0 {
		return 0, apperr.New(apperr.CodeInvalidTarget, "timeoutMs must be positive")
	}
	maxMs := limit.Milliseconds()
	if limit <= 0 {
		maxMs = math.MaxInt64 / int64(time.Millisecond)
	}
	if ms > maxMs {
		return 0, apperr.New(apperr.CodeInvalidTarget, "timeoutMs must be at most %d", maxMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func submitHandler[T any](s *Server, starter Starter[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFrom(r)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		var body submitRequest[T]
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				s.writeAppError(w, r, apperr.New(apperr.CodeInvalidTarget, "request body is required"))
				return
			}
			s.writeAppError(w, r, apperr.New(apperr.CodeInvalidTarget, "invalid JSON: %v", err))
			return
		}

		req := orchestrator.Request[T]{
			Owner:          owner,
			Targets:        submitTargets(body.URL, body.URLs),
			WebhookURL:     strings.TrimSpace(body.WebhookURL),
			Sync:           body.Sync,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
			Options:        body.Options,
		}
		if body.TimeoutMs != nil {
			if req.Timeout, err = timeoutFrom(*body.TimeoutMs, s.cfg.MaxJobTimeout()); err != nil {
				s.writeAppError(w, r, err)
				return
			}
		}

		result, err := starter.Start(r.Context(), req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if result.View != nil {
			writeJSON(w, http.StatusOK, result.View)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}
