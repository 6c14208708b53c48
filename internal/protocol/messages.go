package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the mandatory discriminator on every message sent to a client.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusInfo           Status = "info"
	StatusStreamStarted  Status = "stream_started"
	StatusStreamStopped  Status = "stream_stopped"
	StatusStreamNotFound Status = "stream_not_found"
	StatusDisconnected   Status = "disconnected"
	StatusData           Status = "data"
	StatusUpdate         Status = "update"
)

var ErrUnsupportedOperation = errors.New("unsupported operation")

// SubscribeRequest registers the client for webhook-pushed results from a
// remote API.
type SubscribeRequest struct {
	Operation string `json:"operation"`
	Service   string `json:"service"`
	Token     string `json:"token"`
	APIURL    string `json:"api_url"`
}

type UnsubscribeRequest struct {
	Operation string `json:"operation"`
	APIURL    string `json:"api_url"`
}

type StopStreamRequest struct {
	Operation string `json:"operation"`
	StreamID  string `json:"stream_id"`
}

// ExecuteRequest asks for a one-shot request against a target API, or a
// recurring one when Continuous is set. Field names follow the legacy wire
// format.
type ExecuteRequest struct {
	TargetURL       string          `json:"url_api_destino"`
	Method          string          `json:"metodo_peticion"`
	Body            json.RawMessage `json:"body_peticion,omitempty"`
	Continuous      bool            `json:"continuo,omitempty"`
	IntervalMS      int             `json:"interval,omitempty"`
	TotalExecutions int             `json:"ejecuciones_totales,omitempty"`
	RunUntilClose   bool            `json:"ejecutandose_hasta_cierre,omitempty"`
}

// Response is the single outbound payload shape.
type Response struct {
	Status   Status          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Service  string          `json:"service,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type envelope struct {
	Operation string `json:"operation"`
	TargetURL string `json:"url_api_destino"`
}

// ParseClientMessage sniffs the envelope and returns one of the typed request
// structs above.
func ParseClientMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch strings.TrimSpace(env.Operation) {
	case "subscribe":
		var msg SubscribeRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.APIURL) == "" || strings.TrimSpace(msg.Service) == "" {
			return nil, errors.New("subscribe requires service and api_url")
		}
		return msg, nil
	case "unsubscribe":
		var msg UnsubscribeRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.APIURL) == "" {
			return nil, errors.New("unsubscribe requires api_url")
		}
		return msg, nil
	case "stop":
		var msg StopStreamRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.StreamID) == "" {
			return nil, errors.New("stop requires stream_id")
		}
		return msg, nil
	case "":
		if strings.TrimSpace(env.TargetURL) == "" {
			return nil, ErrUnsupportedOperation
		}
		var msg ExecuteRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Method) == "" {
			msg.Method = "GET"
		}
		if msg.Continuous && msg.IntervalMS < 0 {
			return nil, errors.New("interval must be >= 0")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedOperation
	}
}
