package httpserver

import (
	"net/http"
	"time"

	"github.com/daniwesttech/mpesa-server/pkg/responders"
)

// healthResponse documents the service surface for anyone probing the root.
type healthResponse struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Environment   string            `json:"environment"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Endpoints     map[string]string `json:"endpoints"`
}

// health handles GET {prefix} and GET {prefix}/health.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	prefix := h.cfg.Server.RoutePrefix

	responders.JSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Service:       "mpesa-server",
		Environment:   h.cfg.Daraja.Environment,
		UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
		Endpoints: map[string]string{
			"initiate":     "POST " + prefix + "/mpesa/stkpush",
			"callback":     "POST " + prefix + "/mpesa/callback",
			"transactions": "GET " + prefix + "/mpesa/transactions",
			"transaction":  "GET " + prefix + "/mpesa/transactions/{id}",
			"receipt":      "GET " + prefix + "/mpesa/receipt/{id}",
			"metrics":      "GET /metrics",
		},
	})
}
