package tasks

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("task not found")

// Table is the in-memory task repository. It owns the task records and the
// subscription index; callers get cloned snapshots, never shared pointers.
type Table struct {
	mu      sync.RWMutex
	byID    map[string]*Task
	byOwner map[string]map[string]struct{}
	subs    map[string]string // owner|targetURL -> task id, subscription mode only
}

func NewTable() *Table {
	return &Table{
		byID:    make(map[string]*Task),
		byOwner: make(map[string]map[string]struct{}),
		subs:    make(map[string]string),
	}
}

// Put inserts or replaces a task and keeps the owner and subscription
// indexes consistent with the stored record.
func (t *Table) Put(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byID[task.ID]; ok {
		t.unindexLocked(prev)
	}
	stored := task.Clone()
	t.byID[task.ID] = &stored
	t.indexLocked(&stored)
}

func (t *Table) Get(id string) (Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.byID[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task.Clone(), nil
}

func (t *Table) Delete(id string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.byID[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	t.unindexLocked(task)
	delete(t.byID, id)
	return task.Clone(), nil
}

// Subscription resolves the unique subscription task for (owner, targetURL).
func (t *Table) Subscription(owner, targetURL string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.subs[subKey(owner, targetURL)]
	if !ok {
		return Task{}, false
	}
	task, ok := t.byID[id]
	if !ok {
		return Task{}, false
	}
	return task.Clone(), true
}

// SubscriptionsByOwner returns the owner's subscription tasks ordered newest
// first.
func (t *Table) SubscriptionsByOwner(owner string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Task
	for id := range t.byOwner[owner] {
		task := t.byID[id]
		if task != nil && task.Mode == ModeSubscription {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (t *Table) ByOwner(owner string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Task, 0, len(t.byOwner[owner]))
	for id := range t.byOwner[owner] {
		if task := t.byID[id]; task != nil {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Table) InState(state State) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Task
	for _, task := range t.byID {
		if task.State == state {
			out = append(out, task.Clone())
		}
	}
	return out
}

// All returns every task ordered by creation time, oldest first. This is the
// shape persisted to the snapshot file.
func (t *Table) All() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Task, 0, len(t.byID))
	for _, task := range t.byID {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// ReplaceAll swaps the whole table content, used when restoring a snapshot.
func (t *Table) ReplaceAll(tasks []Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[string]*Task, len(tasks))
	t.byOwner = make(map[string]map[string]struct{}, len(tasks))
	t.subs = make(map[string]string)
	for _, task := range tasks {
		stored := task.Clone()
		t.byID[stored.ID] = &stored
		t.indexLocked(&stored)
	}
}

func (t *Table) indexLocked(task *Task) {
	owned, ok := t.byOwner[task.Owner]
	if !ok {
		owned = make(map[string]struct{})
		t.byOwner[task.Owner] = owned
	}
	owned[task.ID] = struct{}{}
	if task.Mode == ModeSubscription {
		t.subs[subKey(task.Owner, task.TargetURL)] = task.ID
	}
}

func (t *Table) unindexLocked(task *Task) {
	if owned, ok := t.byOwner[task.Owner]; ok {
		delete(owned, task.ID)
		if len(owned) == 0 {
			delete(t.byOwner, task.Owner)
		}
	}
	if task.Mode == ModeSubscription {
		key := subKey(task.Owner, task.TargetURL)
		if t.subs[key] == task.ID {
			delete(t.subs, key)
		}
	}
}

func subKey(owner, targetURL string) string {
	return owner + "|" + targetURL
}
