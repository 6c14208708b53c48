package scheduler

import (
	"encoding/json"
	"time"

	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/tasks"
)

const normalClosure = 1000

// WebhookEvent is an asynchronous push from a remote API. ClientID is the
// owner identity handed to the remote during subscription.
type WebhookEvent struct {
	ClientID  string          `json:"client_id"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HandleWebhook folds a remote push into the matching subscription task.
// Events for unknown owners are logged and discarded; the HTTP layer still
// acknowledges them so the remote does not retry forever.
func (s *Scheduler) HandleWebhook(evt WebhookEvent) {
	now := time.Now().UTC()

	s.mu.Lock()
	subs := s.table.SubscriptionsByOwner(evt.ClientID)
	if len(subs) == 0 {
		s.mu.Unlock()
		s.metrics.WebhookEvents.WithLabelValues(evt.Operation, "unknown_task").Inc()
		s.log.Warn().Str("client_id", evt.ClientID).Str("operation", evt.Operation).Msg("webhook for unknown task discarded")
		return
	}

	switch evt.Operation {
	case "receive":
		// Newest subscription wins; in practice an owner holds one.
		task := subs[0]
		task.LastResult = evt.Data
		task.State = tasks.StateReadyToPush
		task.UpdatedAt = now
		s.table.Put(task)
		s.mu.Unlock()
		s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
		s.metrics.WebhookEvents.WithLabelValues(evt.Operation, "applied").Inc()

	case "pause":
		for _, task := range subs {
			task.State = tasks.StatePaused
			task.UpdatedAt = now
			s.table.Put(task)
			s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
		}
		s.mu.Unlock()
		s.metrics.WebhookEvents.WithLabelValues(evt.Operation, "applied").Inc()

	case "delete":
		for _, task := range subs {
			_, _ = s.table.Delete(task.ID)
			s.conns.Release(evt.ClientID, task.ID)
		}
		s.mu.Unlock()
		s.metrics.WebhookEvents.WithLabelValues(evt.Operation, "applied").Inc()
		if conn, ok := s.conns.ConnFor(evt.ClientID); ok {
			_ = conn.Send(protocol.Response{
				Status:  protocol.StatusDisconnected,
				Message: "Su sesión ha expirado o ha sido terminada por la API.",
			})
			_ = conn.Close(normalClosure, "Sesión terminada por la API.")
		}
		s.log.Warn().Str("client_id", evt.ClientID).Msg("remote requested task deletion and client disconnect")

	default:
		s.mu.Unlock()
		s.metrics.WebhookEvents.WithLabelValues(evt.Operation, "invalid_op").Inc()
		s.log.Warn().Str("operation", evt.Operation).Msg("webhook with unknown operation discarded")
		return
	}

	s.persist()
}
