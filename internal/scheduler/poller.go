package scheduler

import (
	"context"
	"time"

	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/tasks"
)

// StartPoller launches the recurring scan that pushes pending results to
// their owning connections and snapshots the table every tick.
func (s *Scheduler) StartPoller(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollOnce()
			}
		}
	}()
	s.log.Info().Dur("interval", s.cfg.PollInterval).Msg("polling loop started")
}

type delivery struct {
	taskID  string
	owner   string
	service string
	data    []byte
}

// pollOnce delivers every ready_to_push task whose owner has a live
// connection. Undeliverable tasks keep their state and are retried on the
// next tick; a pending result is never dropped.
func (s *Scheduler) pollOnce() {
	now := time.Now().UTC()

	s.mu.Lock()
	var deliveries []delivery
	for _, task := range s.table.InState(tasks.StateReadyToPush) {
		if _, ok := s.conns.ConnFor(task.Owner); !ok {
			continue
		}
		task.State = tasks.StateAwaitingData
		task.UpdatedAt = now
		s.table.Put(task)
		deliveries = append(deliveries, delivery{
			taskID:  task.ID,
			owner:   task.Owner,
			service: task.Service,
			data:    task.LastResult,
		})
		s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		if s.sendTo(d.owner, protocol.Response{
			Status:  protocol.StatusData,
			Service: d.service,
			Data:    d.data,
		}) {
			s.metrics.PollDeliveries.Inc()
			continue
		}
		// The connection went away between the scan and the write; put the
		// result back so the next tick retries it.
		s.mu.Lock()
		if task, err := s.table.Get(d.taskID); err == nil && task.State == tasks.StateAwaitingData {
			task.State = tasks.StateReadyToPush
			s.table.Put(task)
		}
		s.mu.Unlock()
	}

	s.persist()
}
