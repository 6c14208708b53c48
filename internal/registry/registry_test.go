package registry

import "testing"

type fakeConn struct {
	source string
	sent   []any
	closed bool
}

func (f *fakeConn) Send(v any) error                  { f.sent = append(f.sent, v); return nil }
func (f *fakeConn) Close(code int, reason string) error { f.closed = true; return nil }
func (f *fakeConn) SourceAddr() string                { return f.source }

func TestRegistryBidirectionalIndex(t *testing.T) {
	r := New()
	c := &fakeConn{source: "1.2.3.4"}

	r.Register("1.2.3.4:5000", c)
	r.Assign("1.2.3.4:5000", "task-1")
	r.Assign("1.2.3.4:5000", "task-2")

	if got, ok := r.ConnFor("1.2.3.4:5000"); !ok || got != c {
		t.Fatalf("ConnFor() = %v, %v; want registered conn", got, ok)
	}
	if owner, ok := r.OwnerOf("task-1"); !ok || owner != "1.2.3.4:5000" {
		t.Fatalf("OwnerOf(task-1) = %q, %v", owner, ok)
	}
	if ids := r.TaskIDs("1.2.3.4:5000"); len(ids) != 2 {
		t.Fatalf("TaskIDs() len = %d, want 2", len(ids))
	}
}

func TestRegistryRelease(t *testing.T) {
	r := New()
	r.Register("o", &fakeConn{})
	r.Assign("o", "t1")

	r.Release("o", "t1")
	if _, ok := r.OwnerOf("t1"); ok {
		t.Fatalf("OwnerOf(t1) still resolves after Release")
	}
	if ids := r.TaskIDs("o"); len(ids) != 0 {
		t.Fatalf("TaskIDs() = %v, want empty", ids)
	}

	// Releasing again is a no-op.
	r.Release("o", "t1")
}

func TestRegistryUnregisterDropsAssignments(t *testing.T) {
	r := New()
	r.Register("o", &fakeConn{})
	r.Assign("o", "t1")
	r.Assign("o", "t2")

	r.Unregister("o")
	if _, ok := r.ConnFor("o"); ok {
		t.Fatalf("ConnFor() still resolves after Unregister")
	}
	if _, ok := r.OwnerOf("t1"); ok {
		t.Fatalf("OwnerOf(t1) still resolves after Unregister")
	}
	if r.ConnCount() != 0 {
		t.Fatalf("ConnCount() = %d, want 0", r.ConnCount())
	}

	// Unregistering an unknown owner is safe.
	r.Unregister("ghost")
}
