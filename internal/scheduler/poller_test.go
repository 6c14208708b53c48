package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/tasks"
)

func seedReadyToPush(f *fixture, owner string) tasks.Task {
	now := time.Now().UTC()
	task := tasks.Task{
		ID:         tasks.NewID(),
		Owner:      owner,
		TargetURL:  "https://api.example.com",
		Service:    "x",
		Mode:       tasks.ModeSubscription,
		State:      tasks.StateReadyToPush,
		LastResult: json.RawMessage(`{"price":42}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.table.Put(task)
	return task
}

func TestPollDeliversReadyResult(t *testing.T) {
	f := newFixture(t)
	owner := "1.2.3.4:5000"
	conn := &fakeConn{source: "1.2.3.4"}
	f.conns.Register(owner, conn)
	task := seedReadyToPush(f, owner)

	f.sched.pollOnce()

	cur, err := f.table.Get(task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cur.State != tasks.StateAwaitingData {
		t.Fatalf("State = %q, want awaiting_data after delivery", cur.State)
	}
	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Status != protocol.StatusData || msgs[0].Service != "x" {
		t.Fatalf("message = %+v, want status data for service x", msgs[0])
	}
	if string(msgs[0].Data) != `{"price":42}` {
		t.Fatalf("Data = %s", msgs[0].Data)
	}
}

func TestPollHoldsResultWhileOwnerIsOffline(t *testing.T) {
	f := newFixture(t)
	owner := "1.2.3.4:5000"
	task := seedReadyToPush(f, owner)

	// Several ticks without a connection must leave the result untouched.
	f.sched.pollOnce()
	f.sched.pollOnce()
	cur, _ := f.table.Get(task.ID)
	if cur.State != tasks.StateReadyToPush {
		t.Fatalf("State = %q, want ready_to_push while owner is offline", cur.State)
	}

	conn := &fakeConn{source: "1.2.3.4"}
	f.conns.Register(owner, conn)
	f.sched.pollOnce()

	cur, _ = f.table.Get(task.ID)
	if cur.State != tasks.StateAwaitingData {
		t.Fatalf("State = %q, want awaiting_data after reconnect", cur.State)
	}
	if len(conn.messages()) != 1 {
		t.Fatalf("messages = %d, want the held result delivered once", len(conn.messages()))
	}
}

func TestPollPersistsSnapshotEachTick(t *testing.T) {
	f := newFixture(t)
	seedReadyToPush(f, "1.2.3.4:5000")

	f.sched.pollOnce()

	persisted, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("persisted = %d tasks, want 1", len(persisted))
	}
}

func TestStartPollerStopsWithContext(t *testing.T) {
	f := newFixture(t)
	owner := "1.2.3.4:5000"
	conn := &fakeConn{source: "1.2.3.4"}
	f.conns.Register(owner, conn)
	seedReadyToPush(f, owner)

	ctx, cancel := context.WithCancel(context.Background())
	f.sched.StartPoller(ctx)

	waitFor(t, 2*time.Second, func() bool { return len(conn.messages()) == 1 })
	cancel()
}
