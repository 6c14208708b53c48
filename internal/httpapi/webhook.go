package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/siryox/socketwss/internal/scheduler"
)

// handleWebhook accepts asynchronous pushes from remote APIs. Malformed
// payloads are the only 4xx case; events for unknown owners are acknowledged
// and discarded so a remote with stale state does not retry forever.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var evt scheduler.WebhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Cuerpo del webhook inválido.",
		})
		return
	}
	if strings.TrimSpace(evt.ClientID) == "" || strings.TrimSpace(evt.Operation) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "client_id y operation son obligatorios.",
		})
		return
	}

	s.sched.HandleWebhook(evt)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
