package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/siryox/socketwss/internal/admission"
	"github.com/siryox/socketwss/internal/observability"
	"github.com/siryox/socketwss/internal/protocol"
	"github.com/siryox/socketwss/internal/registry"
	"github.com/siryox/socketwss/internal/scheduler"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Server exposes the websocket endpoint, the inbound webhook, and the
// operational endpoints over one chi router.
type Server struct {
	sched    *scheduler.Scheduler
	conns    *registry.Registry
	admit    *admission.Controller
	log      zerolog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(sched *scheduler.Scheduler, conns *registry.Registry, admit *admission.Controller, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		sched:   sched,
		conns:   conns,
		admit:   admit,
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Admission applies its own origin policy after the upgrade so
			// the client gets a proper close frame instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// wsConn adapts a gorilla connection to the registry's Conn interface. The
// mutex serializes writers; gorilla allows at most one concurrent writer.
type wsConn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	source string
}

func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return c.ws.Close()
}

func (c *wsConn) SourceAddr() string { return c.source }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	owner := r.RemoteAddr
	source := sourceOf(r.RemoteAddr)
	conn := &wsConn{ws: ws, source: source}

	if err := s.admit.Admit(source, r.Header.Get("Origin")); err != nil {
		var rej *admission.Rejection
		if errors.As(err, &rej) {
			_ = conn.Close(rej.Code, rej.Reason)
		} else {
			_ = conn.Close(admission.PolicyViolation, "Conexión rechazada.")
		}
		return
	}

	s.conns.Register(owner, conn)
	s.metrics.ActiveConnections.Inc()
	s.log.Info().Str("owner", owner).Msg("client connected")

	_ = conn.Send(protocol.Response{
		Status:  protocol.StatusInfo,
		Message: "Conexión establecida con el servidor WebSocket.",
	})

	defer func() {
		s.sched.CleanupConnection(owner)
		s.admit.Release(source)
		s.metrics.ActiveConnections.Dec()
		_ = ws.Close()
		s.log.Info().Str("owner", owner).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Str("owner", owner).Err(err).Msg("websocket read failed")
			}
			return
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			_ = conn.Send(protocol.Response{
				Status:  protocol.StatusError,
				Message: "Error en el formato del mensaje JSON.",
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", "ok").Inc()

		resp := s.dispatch(r.Context(), owner, msg)
		if err := conn.Send(resp); err != nil {
			s.log.Warn().Str("owner", owner).Err(err).Msg("response write failed")
			return
		}
		s.metrics.WSMessages.WithLabelValues("outbound", string(resp.Status)).Inc()
	}
}

// dispatch routes a parsed client message to the scheduler and maps its
// outcome onto the wire response.
func (s *Server) dispatch(ctx context.Context, owner string, msg any) protocol.Response {
	switch m := msg.(type) {
	case protocol.SubscribeRequest:
		task, err := s.sched.Subscribe(ctx, owner, m.APIURL, m.Service, m.Token)
		switch {
		case errors.Is(err, scheduler.ErrAlreadySubscribed):
			return protocol.Response{Status: protocol.StatusInfo, Service: m.Service, Message: "Ya estás suscrito a este servicio."}
		case errors.Is(err, scheduler.ErrRemoteRejected):
			return protocol.Response{Status: protocol.StatusError, Service: m.Service, Message: "No se pudo completar la suscripción con la API."}
		case err != nil:
			return protocol.Response{Status: protocol.StatusError, Service: m.Service, Message: "No se pudo procesar la suscripción."}
		}
		return protocol.Response{
			Status:  protocol.StatusSuccess,
			Service: m.Service,
			TaskID:  task.ID,
			Message: "Suscripción exitosa. Esperando datos...",
		}

	case protocol.UnsubscribeRequest:
		if err := s.sched.Unsubscribe(ctx, owner, m.APIURL); err != nil {
			return protocol.Response{Status: protocol.StatusError, Message: "No existe una suscripción para esa API."}
		}
		return protocol.Response{Status: protocol.StatusSuccess, Message: "Suscripción cancelada."}

	case protocol.StopStreamRequest:
		if err := s.sched.StopStream(owner, m.StreamID); err != nil {
			return protocol.Response{Status: protocol.StatusStreamNotFound, StreamID: m.StreamID, Message: "Stream no encontrado o ya finalizado."}
		}
		return protocol.Response{Status: protocol.StatusStreamStopped, StreamID: m.StreamID, Message: "Stream detenido."}

	case protocol.ExecuteRequest:
		params := scheduler.ExecuteParams{
			TargetURL:       m.TargetURL,
			Method:          m.Method,
			Body:            m.Body,
			IntervalMS:      m.IntervalMS,
			TotalExecutions: m.TotalExecutions,
			RunUntilClose:   m.RunUntilClose,
		}
		if m.Continuous {
			task, err := s.sched.StartStream(owner, params)
			if errors.Is(err, scheduler.ErrStreamRunning) {
				return protocol.Response{Status: protocol.StatusError, Message: "Ya existe un stream activo para este destino."}
			}
			if err != nil {
				return protocol.Response{Status: protocol.StatusError, Message: "No se pudo iniciar el stream."}
			}
			return protocol.Response{
				Status:   protocol.StatusStreamStarted,
				StreamID: task.ID,
				Message:  "Stream iniciado.",
			}
		}
		task, err := s.sched.SubmitOneShot(ctx, owner, params)
		if err != nil {
			return protocol.Response{Status: protocol.StatusError, Message: "No se pudo ejecutar la petición."}
		}
		if task.LastError != "" {
			return protocol.Response{
				Status:  protocol.StatusError,
				TaskID:  task.ID,
				Message: task.LastError,
			}
		}
		return protocol.Response{
			Status:  protocol.StatusSuccess,
			TaskID:  task.ID,
			Message: "Petición ejecutada.",
			Data:    task.LastResult,
		}

	default:
		return protocol.Response{Status: protocol.StatusError, Message: "Operación no soportada."}
	}
}

// sourceOf extracts the host part of a remote address; the per-source
// connection cap keys on it.
func sourceOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
