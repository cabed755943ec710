package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/service/ipgate"
)

// Gate screens every inbound request against the IP reputation gate.
type Gate interface {
	Authorize(ctx context.Context, caller ipgate.Caller) error
}

// IPGate rejects requests from blocked addresses before any handler
// runs. Trust entries bypass the check inside the gate itself.
func IPGate(gate Gate, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := ipgate.Caller{
				IPAddress: ResolveClientIP(r),
				UserAgent: r.UserAgent(),
			}
			if err := gate.Authorize(r.Context(), caller); err != nil {
				logger.Info("request rejected by ip gate",
					zap.String("ip", caller.IPAddress),
					zap.String("path", r.URL.Path))
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    "IP_BLOCKED",
			"message": "access denied",
		},
	})
}
