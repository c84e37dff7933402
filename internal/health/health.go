package health

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const Path = "/health"

// MetricsProvider reports invocations handled, when the last one finished and
// how many delivered items failed since startup.
type MetricsProvider interface {
	GetMetrics() (int64, time.Time, int64)
}

func Handler(provider MetricsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		invocations, lastAt, failedItems := provider.GetMetrics()

		res := struct {
			Status           string  `json:"status"`
			Invocations      int64   `json:"invocations"`
			FailedItems      int64   `json:"failed_items"`
			LastInvocationAt *string `json:"last_invocation_at,omitempty"`
		}{
			Status:      "ok",
			Invocations: invocations,
			FailedItems: failedItems,
		}

		if !lastAt.IsZero() {
			ts := lastAt.UTC().Format(time.RFC3339)
			res.LastInvocationAt = &ts
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Printf("Failed to encode health check response: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
}
