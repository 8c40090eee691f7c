package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Error kinds surfaced in the error envelope.
const (
	ErrKindValidation  = "validation_error"
	ErrKindNotFound    = "not_found"
	ErrKindUnavailable = "store_unavailable"
	ErrKindInternal    = "internal_error"
)

// Metadata accompanies every successful response.
type Metadata struct {
	CacheHit  bool    `json:"cache_hit"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// Envelope is the uniform success payload.
type Envelope struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody is the uniform error payload.
type ErrorBody struct {
	Status string    `json:"status"`
	Error  ErrorInfo `json:"error"`
}

// ErrorInfo describes what went wrong and whether a retry may help.
type ErrorInfo struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data interface{}, cacheHit bool, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(Envelope{
		Status: "success",
		Data:   data,
		Metadata: Metadata{
			CacheHit:  cacheHit,
			ElapsedMS: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	}); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, kind, message string, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := ErrorBody{
		Status: "error",
		Error:  ErrorInfo{Kind: kind, Message: message},
	}
	if retryAfter > 0 {
		body.Error.RetryAfterMS = retryAfter.Milliseconds()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write error response")
	}
}
