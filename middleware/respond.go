package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

const msgInvalidCredentials = "invalid or expired credentials"

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes the uniform JSON error body. Handlers use it so every
// refusal has the same shape.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="govern"`)
	WriteError(w, http.StatusUnauthorized, msgInvalidCredentials)
}

func writeUnavailable(w http.ResponseWriter) {
	WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
}

// WriteRetryable writes a policy refusal carrying retry guidance in both the
// retry-after header and the body.
func WriteRetryable(w http.ResponseWriter, status int, message string, retryAfter time.Duration) {
	secs := ceilSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, status, errorBody{Error: message, RetryAfter: secs})
}

// ceilSeconds rounds up so a client never retries before the window opens.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
