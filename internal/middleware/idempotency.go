package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	IdempotencyTTL       = 24 * time.Hour
)

type cachedResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped per caller. Server errors are not stored so the client can retry.
func Idempotency(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			idempotencyKey := r.Header.Get(IdempotencyKeyHeader)
			if idempotencyKey == "" {
				writeJSONError(w, http.StatusBadRequest, "Idempotency-Key header is required")
				return
			}

			ctx := r.Context()
			cacheKey := "idempotency:" + UserID(ctx) + ":" + r.URL.Path + ":" + idempotencyKey

			cached, err := store.Get(ctx, cacheKey)
			if err != nil {
				log.WithError(err).Warn("Idempotency lookup failed, processing request")
			}
			if cached != "" {
				var resp cachedResponse
				if err := json.Unmarshal([]byte(cached), &resp); err == nil {
					for k, v := range resp.Headers {
						w.Header().Set(k, v)
					}
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(resp.StatusCode)
					w.Write([]byte(resp.Body))
					return
				}
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= http.StatusInternalServerError {
				return
			}
			resp := cachedResponse{
				StatusCode: recorder.statusCode,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       recorder.body.String(),
			}
			respJSON, err := json.Marshal(resp)
			if err == nil {
				if err := store.Set(ctx, cacheKey, string(respJSON), IdempotencyTTL); err != nil {
					log.WithError(err).Warn("Failed to store idempotent response")
				}
			}
		})
	}
}
