package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey carries the client-chosen idempotency key on a push
	// initiation request.
	HeaderKey = "Idempotency-Key"

	// ReplayHeader marks a response that was served from the
	// acknowledgment cache rather than a fresh gateway push.
	ReplayHeader = "X-Idempotency-Replay"

	// DefaultTTL matches the window in which a client might still retry a
	// payment it never saw settle.
	DefaultTTL = 24 * time.Hour
)

// ackRecorder tees the handler's response so a successful acknowledgment can
// be cached after it has been written to the client.
type ackRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *ackRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *ackRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware wraps the push initiation endpoint. A request carrying an
// Idempotency-Key the store has already seen gets the original acknowledgment
// back, so the wrapped handler, and with it the customer's phone prompt, runs
// at most once per key. Requests without the header pass straight through.
//
// Only 2xx acknowledgments are cached: a failed initiation must reach the
// gateway again when the client retries.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scoped by method and path so a key replayed against a
			// different endpoint cannot surface a foreign response.
			key := r.Method + ":" + r.URL.Path + ":" + clientKey

			if ack, ok := store.Lookup(r.Context(), key); ok {
				for name, value := range ack.Header {
					w.Header().Set(name, value)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(ack.StatusCode)
				_, _ = w.Write(ack.Body)
				return
			}

			rec := &ackRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}

			header := make(map[string]string, len(w.Header()))
			for name := range w.Header() {
				header[name] = w.Header().Get(name)
			}

			_ = store.Save(r.Context(), key, &CachedAck{
				StatusCode: rec.status,
				Header:     header,
				Body:       rec.body.Bytes(),
				StoredAt:   time.Now(),
			}, ttl)
		})
	}
}
