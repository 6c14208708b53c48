package admission

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/siryox/socketwss/internal/observability"
)

// PolicyViolation is the websocket close code used for rejected connections.
const PolicyViolation = 1008

// Rejection is returned when a connection attempt is denied. The transport
// must close the connection with Code and register nothing.
type Rejection struct {
	Code   int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("connection rejected (%d): %s", r.Code, r.Reason)
}

type Config struct {
	MaxPerSource int
	// RatePerSource limits connection attempts per second per source
	// address; 0 disables the limiter.
	RatePerSource int
	CheckOrigin   bool
	Origins       []string
}

// Controller gates new client connections by per-source concurrency, attempt
// rate, and origin policy.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	counts   map[string]int
	limiters map[string]*rate.Limiter
	allowed  map[string]struct{}

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewController(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Controller {
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = 5
	}
	allowed := make(map[string]struct{}, len(cfg.Origins))
	for _, o := range cfg.Origins {
		allowed[o] = struct{}{}
	}
	return &Controller{
		cfg:      cfg,
		counts:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		allowed:  allowed,
		log:      log,
		metrics:  metrics,
	}
}

// Admit decides whether a connection from source with the given Origin header
// may proceed. On accept the per-source counter is incremented; the caller
// must pair every accepted Admit with exactly one Release.
func (c *Controller) Admit(source, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.CheckOrigin {
		if _, ok := c.allowed[origin]; !ok {
			return c.rejectLocked(source, "rejected_origin", "Origen no permitido")
		}
	}
	if c.cfg.RatePerSource > 0 && !c.limiterLocked(source).Allow() {
		return c.rejectLocked(source, "rejected_rate", "Demasiados intentos de conexión")
	}
	if c.counts[source] >= c.cfg.MaxPerSource {
		return c.rejectLocked(source, "rejected_limit",
			fmt.Sprintf("Límite de conexiones (%d) excedido", c.cfg.MaxPerSource))
	}

	c.counts[source]++
	c.metrics.AdmissionDecisions.WithLabelValues("accepted").Inc()
	c.log.Info().Str("source", source).Int("active", c.counts[source]).Msg("connection admitted")
	return nil
}

// Release decrements the per-source counter for a previously admitted
// connection and drops the entry once it reaches zero.
func (c *Controller) Release(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[source]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, source)
		delete(c.limiters, source)
	} else {
		c.counts[source] = n - 1
	}
	c.log.Info().Str("source", source).Int("active", c.counts[source]).Msg("connection released")
}

func (c *Controller) Count(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[source]
}

func (c *Controller) rejectLocked(source, outcome, reason string) *Rejection {
	c.metrics.AdmissionDecisions.WithLabelValues(outcome).Inc()
	c.log.Warn().Str("source", source).Str("outcome", outcome).Msg("connection rejected")
	return &Rejection{Code: PolicyViolation, Reason: reason}
}

func (c *Controller) limiterLocked(source string) *rate.Limiter {
	l, ok := c.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RatePerSource), c.cfg.RatePerSource)
		c.limiters[source] = l
	}
	return l
}
