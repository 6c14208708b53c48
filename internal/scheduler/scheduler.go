package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siryox/socketwss/internal/observability"
	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/registry"
	"github.com/siryox/socketwss/internal/tasks"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed to this service")
	ErrRemoteRejected    = errors.New("remote API rejected the subscription")
	ErrStreamRunning     = errors.New("stream already running for this target")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrTaskNotFound      = errors.New("task not found")
)

const persistTimeout = 2 * time.Second

// APIClient is the outbound HTTP surface the scheduler depends on.
type APIClient interface {
	Subscribe(ctx context.Context, apiURL, service, clientID, token string) error
	Unsubscribe(ctx context.Context, apiURL, clientID string) error
	Execute(ctx context.Context, method, url string, body json.RawMessage) (json.RawMessage, error)
}

type Config struct {
	PollInterval      time.Duration
	DefaultExecutions int
}

// ExecuteParams carries a client's one-shot or continuous request into the
// lifecycle engine.
type ExecuteParams struct {
	TargetURL       string
	Method          string
	Body            json.RawMessage
	IntervalMS      int
	TotalExecutions int
	RunUntilClose   bool
}

// Scheduler is the task lifecycle engine. A single mutex serializes every
// task transition; outbound HTTP calls always happen outside it, with the
// task parked in an intermediate state and reconciled by id afterwards.
type Scheduler struct {
	cfg     Config
	table   *tasks.Table
	store   tasks.Store
	audit   tasks.Store
	conns   *registry.Registry
	api     APIClient
	log     zerolog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	streams    map[string]*stream // task id -> live stream handle
	streamKeys map[string]string  // owner|method|url -> task id
}

func New(cfg Config, table *tasks.Table, store tasks.Store, conns *registry.Registry, api APIClient, log zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DefaultExecutions <= 0 {
		cfg.DefaultExecutions = 1
	}
	return &Scheduler{
		cfg:        cfg,
		table:      table,
		store:      store,
		conns:      conns,
		api:        api,
		log:        log,
		metrics:    metrics,
		streams:    make(map[string]*stream),
		streamKeys: make(map[string]string),
	}
}

// SetAuditStore attaches an optional secondary store that mirrors every
// snapshot save (e.g. Postgres for audit).
func (s *Scheduler) SetAuditStore(store tasks.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = store
}

// Restore repopulates the table from the snapshot store. Subscription tasks
// stuck in initiating never confirmed with the remote API and are dropped;
// continuous tasks lost their timers with the old process and are marked as
// errored for audit.
func (s *Scheduler) Restore(ctx context.Context) error {
	loaded, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	kept := make([]tasks.Task, 0, len(loaded))
	for _, task := range loaded {
		if task.Mode == tasks.ModeSubscription && task.State == tasks.StateInitiating {
			continue
		}
		if task.Mode == tasks.ModeContinuous && !task.Terminal() {
			task.State = tasks.StateError
			task.LastError = "stream interrupted by restart"
			task.UpdatedAt = now
		}
		kept = append(kept, task)
	}
	s.table.ReplaceAll(kept)
	s.log.Info().Int("tasks", len(kept)).Msg("task snapshot restored")
	return nil
}

// SubmitOneShot runs a single request against the target API. Remote
// failures are captured into the task, never returned; the only error is
// ErrTaskNotFound when the task was torn down while the call was in flight.
func (s *Scheduler) SubmitOneShot(ctx context.Context, owner string, p ExecuteParams) (tasks.Task, error) {
	now := time.Now().UTC()
	task := tasks.Task{
		ID:        tasks.NewID(),
		Owner:     owner,
		TargetURL: p.TargetURL,
		Method:    p.Method,
		Body:      p.Body,
		Mode:      tasks.ModeOneShot,
		State:     tasks.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.table.Put(task)
	s.conns.Assign(owner, task.ID)
	s.mu.Unlock()
	s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
	s.persist()

	result, execErr := s.api.Execute(ctx, p.Method, p.TargetURL, p.Body)

	s.mu.Lock()
	cur, err := s.table.Get(task.ID)
	if err != nil {
		// Torn down while the request was in flight; discard the late result.
		s.mu.Unlock()
		return tasks.Task{}, ErrTaskNotFound
	}
	if execErr != nil {
		cur.State = tasks.StateError
		cur.LastError = execErr.Error()
		s.metrics.OutboundRequests.WithLabelValues("execute", "error").Inc()
	} else {
		cur.State = tasks.StateCompleted
		cur.LastResult = result
		cur.LastError = ""
		s.metrics.OutboundRequests.WithLabelValues("execute", "ok").Inc()
	}
	cur.UpdatedAt = time.Now().UTC()
	s.table.Put(cur)
	s.mu.Unlock()

	s.metrics.TaskTransitions.WithLabelValues(string(cur.Mode), string(cur.State)).Inc()
	s.persist()
	return cur, nil
}

// Subscribe creates a subscription task and registers this relay's webhook
// with the remote API. On remote failure the task is deleted again, so a
// failed subscribe never leaves an orphan behind.
func (s *Scheduler) Subscribe(ctx context.Context, owner, apiURL, service, token string) (tasks.Task, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	if _, ok := s.table.Subscription(owner, apiURL); ok {
		s.mu.Unlock()
		return tasks.Task{}, ErrAlreadySubscribed
	}
	task := tasks.Task{
		ID:        tasks.NewID(),
		Owner:     owner,
		TargetURL: apiURL,
		Service:   service,
		Token:     token,
		Mode:      tasks.ModeSubscription,
		State:     tasks.StateInitiating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.table.Put(task)
	s.conns.Assign(owner, task.ID)
	s.mu.Unlock()
	s.metrics.TaskTransitions.WithLabelValues(string(task.Mode), string(task.State)).Inc()
	s.persist()

	remoteErr := s.api.Subscribe(ctx, apiURL, service, owner, token)

	s.mu.Lock()
	cur, err := s.table.Get(task.ID)
	if err != nil {
		// The connection closed (or a webhook delete landed) mid-call.
		s.mu.Unlock()
		return tasks.Task{}, ErrTaskNotFound
	}
	if remoteErr != nil {
		_, _ = s.table.Delete(task.ID)
		s.conns.Release(owner, task.ID)
		s.mu.Unlock()
		s.metrics.OutboundRequests.WithLabelValues("subscribe", "error").Inc()
		s.log.Warn().Str("owner", owner).Str("api_url", apiURL).Err(remoteErr).Msg("remote subscribe failed")
		s.persist()
		return tasks.Task{}, ErrRemoteRejected
	}
	cur.State = tasks.StateAwaitingData
	cur.UpdatedAt = time.Now().UTC()
	s.table.Put(cur)
	s.mu.Unlock()

	s.metrics.OutboundRequests.WithLabelValues("subscribe", "ok").Inc()
	s.metrics.TaskTransitions.WithLabelValues(string(cur.Mode), string(cur.State)).Inc()
	s.persist()
	return cur, nil
}

// Unsubscribe tears down the subscription for (owner, apiURL). The remote
// deregistration is fire-and-forget: a failure is logged, never retried, and
// never blocks local cleanup.
func (s *Scheduler) Unsubscribe(ctx context.Context, owner, apiURL string) error {
	s.mu.Lock()
	task, ok := s.table.Subscription(owner, apiURL)
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	_, _ = s.table.Delete(task.ID)
	s.conns.Release(owner, task.ID)
	s.mu.Unlock()

	s.remoteUnsubscribe(owner, apiURL)
	s.persist()
	return nil
}

// CleanupConnection is the single teardown path for a closed connection:
// stop its streams, unsubscribe its subscription tasks, unregister it. It is
// idempotent; a second invocation finds nothing left to do.
func (s *Scheduler) CleanupConnection(owner string) {
	now := time.Now().UTC()

	s.mu.Lock()
	var unsubscribeURLs []string
	for _, task := range s.table.ByOwner(owner) {
		switch task.Mode {
		case tasks.ModeContinuous:
			if st, ok := s.streams[task.ID]; ok {
				s.dropStreamLocked(st)
				task.State = tasks.StateCompleted
				task.UpdatedAt = now
				s.table.Put(task)
			}
		case tasks.ModeSubscription:
			_, _ = s.table.Delete(task.ID)
			unsubscribeURLs = append(unsubscribeURLs, task.TargetURL)
		}
	}
	s.conns.Unregister(owner)
	s.mu.Unlock()

	for _, apiURL := range unsubscribeURLs {
		s.remoteUnsubscribe(owner, apiURL)
	}
	if len(unsubscribeURLs) > 0 {
		s.log.Info().Str("owner", owner).Int("subscriptions", len(unsubscribeURLs)).Msg("connection cleanup complete")
	}
	s.persist()
}

// Task returns a snapshot of a single task.
func (s *Scheduler) Task(id string) (tasks.Task, error) {
	task, err := s.table.Get(id)
	if err != nil {
		return tasks.Task{}, ErrTaskNotFound
	}
	return task, nil
}

func (s *Scheduler) remoteUnsubscribe(owner, apiURL string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout+3*time.Second)
		defer cancel()
		if err := s.api.Unsubscribe(ctx, apiURL, owner); err != nil {
			s.metrics.OutboundRequests.WithLabelValues("unsubscribe", "error").Inc()
			s.log.Warn().Str("owner", owner).Str("api_url", apiURL).Err(err).Msg("remote unsubscribe failed")
			return
		}
		s.metrics.OutboundRequests.WithLabelValues("unsubscribe", "ok").Inc()
	}()
}

// persist writes the full table to the snapshot store (and the audit mirror
// when configured). Failures are logged and counted, never fatal.
func (s *Scheduler) persist() {
	snapshot := s.table.All()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.SaveAll(ctx, snapshot); err != nil {
		s.metrics.SnapshotErrors.Inc()
		s.log.Error().Err(err).Msg("snapshot write failed")
	}

	s.mu.Lock()
	audit := s.audit
	s.mu.Unlock()
	if audit != nil {
		if err := audit.SaveAll(ctx, snapshot); err != nil {
			s.log.Warn().Err(err).Msg("audit store write failed")
		}
	}
}

// sendTo pushes a payload to the owner's live connection, if any.
func (s *Scheduler) sendTo(owner string, resp protocol.Response) bool {
	conn, ok := s.conns.ConnFor(owner)
	if !ok {
		return false
	}
	if err := conn.Send(resp); err != nil {
		s.log.Warn().Str("owner", owner).Err(err).Msg("push to client failed")
		return false
	}
	s.metrics.WSMessages.WithLabelValues("outbound", string(resp.Status)).Inc()
	return true
}
