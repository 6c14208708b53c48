package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/tasks"
)

const defaultStreamInterval = time.Second

// stream is a cancellable handle for one continuous-poll task. The run loop
// captures only the task id and re-reads current state at every firing, so a
// deleted task is noticed before any work happens.
type stream struct {
	taskID   string
	key      string
	owner    string
	interval time.Duration

	cancel chan struct{}
	once   sync.Once
}

func (st *stream) stop() {
	st.once.Do(func() { close(st.cancel) })
}

func streamKey(owner, method, url string) string {
	return owner + "|" + method + "|" + url
}

// StartStream creates a continuous-poll task and its recurring timer. It
// returns immediately; executions happen asynchronously on the interval.
func (s *Scheduler) StartStream(owner string, p ExecuteParams) (tasks.Task, error) {
	interval := time.Duration(p.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	total := p.TotalExecutions
	if total == 0 && !p.RunUntilClose {
		total = s.cfg.DefaultExecutions
	}

	key := streamKey(owner, p.Method, p.TargetURL)
	now := time.Now().UTC()

	s.mu.Lock()
	if _, ok := s.streamKeys[key]; ok {
		s.mu.Unlock()
		return tasks.Task{}, ErrStreamRunning
	}
	task := tasks.Task{
		ID:              tasks.NewID(),
		Owner:           owner,
		TargetURL:       p.TargetURL,
		Method:          p.Method,
		Body:            p.Body,
		Mode:            tasks.ModeContinuous,
		State:           tasks.StateRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
		IntervalMS:      int(interval / time.Millisecond),
		TotalExecutions: total,
		RunUntilClose:   p.RunUntilClose,
	}
	st := &stream{
		taskID:   task.ID,
		key:      key,
		owner:    owner,
		interval: interval,
		cancel:   make(chan struct{}),
	}
	s.table.Put(task)
	s.conns.Assign(owner, task.ID)
	s.streams[task.ID] = st
	s.streamKeys[key] = task.ID
	s.mu.Unlock()

	s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
	s.persist()
	go s.runStream(st)

	s.log.Info().Str("owner", owner).Str("stream_id", task.ID).Dur("interval", interval).Msg("stream started")
	return task, nil
}

// StopStream cancels a stream owned by the caller. The task record stays in
// the table for audit. Stopping an unknown or foreign stream returns
// ErrStreamNotFound; stopping twice is safe.
func (s *Scheduler) StopStream(owner, streamID string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok || st.owner != owner {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	s.dropStreamLocked(st)
	if task, err := s.table.Get(streamID); err == nil && !task.Terminal() {
		task.State = tasks.StateCompleted
		task.UpdatedAt = now
		s.table.Put(task)
		s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
	}
	s.mu.Unlock()

	s.persist()
	s.log.Info().Str("owner", owner).Str("stream_id", streamID).Msg("stream stopped")
	return nil
}

// StreamCount reports the number of live stream timers.
func (s *Scheduler) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// HasStream reports whether a stream timer is registered for the task id.
func (s *Scheduler) HasStream(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[streamID]
	return ok
}

// dropStreamLocked cancels the timer and removes the registry entries. The
// sync.Once on the handle makes double cancellation harmless.
func (s *Scheduler) dropStreamLocked(st *stream) {
	st.stop()
	delete(s.streams, st.taskID)
	if s.streamKeys[st.key] == st.taskID {
		delete(s.streamKeys, st.key)
	}
}

func (s *Scheduler) runStream(st *stream) {
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.cancel:
			return
		case <-ticker.C:
			if done := s.fireStream(st); done {
				return
			}
		}
	}
}

// fireStream performs one execution of a continuous task. It returns true
// when the stream has finished (task deleted, stopped, or budget reached).
func (s *Scheduler) fireStream(st *stream) bool {
	s.mu.Lock()
	task, err := s.table.Get(st.taskID)
	if err != nil || task.Terminal() {
		s.dropStreamLocked(st)
		s.mu.Unlock()
		return true
	}
	method, url, body := task.Method, task.TargetURL, task.Body
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), st.interval+persistTimeout)
	result, execErr := s.api.Execute(ctx, method, url, body)
	cancel()

	s.mu.Lock()
	cur, err := s.table.Get(st.taskID)
	if err != nil {
		// Deleted while the request was in flight; do not resurrect it.
		s.dropStreamLocked(st)
		s.mu.Unlock()
		return true
	}
	cur.Executions++
	if execErr != nil {
		// A failed execution is just another observed result; the stream
		// keeps its cadence.
		cur.LastError = execErr.Error()
		s.metrics.OutboundRequests.WithLabelValues("execute", "error").Inc()
	} else {
		cur.LastResult = result
		cur.LastError = ""
		s.metrics.OutboundRequests.WithLabelValues("execute", "ok").Inc()
	}
	done := !cur.RunUntilClose && cur.TotalExecutions > 0 && cur.Executions >= cur.TotalExecutions
	if done {
		cur.State = tasks.StateCompleted
		s.dropStreamLocked(st)
	}
	cur.UpdatedAt = time.Now().UTC()
	s.table.Put(cur)
	owner := cur.Owner
	s.mu.Unlock()

	update := protocol.Response{
		Status:   protocol.StatusUpdate,
		StreamID: st.taskID,
		Data:     cur.LastResult,
	}
	if execErr != nil {
		update.Status = protocol.StatusError
		update.Message = execErr.Error()
		update.Data = nil
	}
	s.sendTo(owner, update)

	if done {
		s.metrics.TaskTransitions.WithLabelValues(string(cur.Mode), string(cur.State)).Inc()
		s.sendTo(owner, protocol.Response{
			Status:   protocol.StatusStreamStopped,
			StreamID: st.taskID,
			Message:  "Ejecuciones completadas.",
		})
	}
	s.persist()
	return done
}
