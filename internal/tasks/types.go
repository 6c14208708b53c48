package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mode selects how a task's result is produced: a single outbound request,
// a scheduler-driven recurring request, or an inbound webhook push.
type Mode string

const (
	ModeOneShot      Mode = "one_shot"
	ModeContinuous   Mode = "continuous"
	ModeSubscription Mode = "subscription"
)

type State string

const (
	// one_shot and continuous states.
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"

	// subscription states.
	StateInitiating   State = "initiating"
	StateAwaitingData State = "awaiting_data"
	StateReadyToPush  State = "ready_to_push"
	StatePaused       State = "paused"
)

// Task is the scheduler's central record. JSON tags keep the wire vocabulary
// of the legacy snapshot format so existing tooling can still read tasks.json.
type Task struct {
	ID        string          `json:"id"`
	Owner     string          `json:"cliente"`
	TargetURL string          `json:"url_api"`
	Method    string          `json:"metodo,omitempty"`
	Body      json.RawMessage `json:"cuerpo,omitempty"`
	Service   string          `json:"servicio,omitempty"`
	Token     string          `json:"token,omitempty"`
	Mode      Mode            `json:"modo"`
	State     State           `json:"estado"`

	LastResult json.RawMessage `json:"ultimo_resultado,omitempty"`
	LastError  string          `json:"ultimo_error,omitempty"`

	CreatedAt time.Time `json:"creada_en"`
	UpdatedAt time.Time `json:"ultima_actualizacion"`

	// Continuous-poll settings. TotalExecutions == 0 means unbounded.
	IntervalMS      int  `json:"intervalo_ms,omitempty"`
	TotalExecutions int  `json:"ejecuciones_totales,omitempty"`
	Executions      int  `json:"ejecuciones_realizadas,omitempty"`
	RunUntilClose   bool `json:"ejecutandose_hasta_cierre,omitempty"`
}

func NewID() string {
	return uuid.NewString()
}

func (t Task) Clone() Task {
	out := t
	if t.Body != nil {
		out.Body = append(json.RawMessage(nil), t.Body...)
	}
	if t.LastResult != nil {
		out.LastResult = append(json.RawMessage(nil), t.LastResult...)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.State {
	case StateCompleted, StateError:
		return true
	default:
		return false
	}
}
