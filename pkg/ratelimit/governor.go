package ratelimit

import (
	"sync"
	"time"
)

// Endpoint classes with independent quotas.
const (
	ClassChat          = "chat"
	ClassConversations = "conversations"
	ClassCleanup       = "cleanup"
)

// ClassConfig is the fixed-window policy for one endpoint class.
type ClassConfig struct {
	Quota      int           // admitted requests per window
	Window     time.Duration // fixed window length
	RetryAfter time.Duration // backoff surfaced on denial
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed       bool
	EndpointClass string
	RetryAfter    time.Duration
}

type window struct {
	count int
	start time.Time
}

// Governor is process-wide fixed-window admission control keyed by
// (client, endpoint class). State is in-memory and best effort: it is
// not shared across instances and resets on restart, which is
// acceptable because admission only needs to be approximately fair.
type Governor struct {
	mu      sync.Mutex
	classes map[string]ClassConfig
	windows map[windowKey]*window
	now     func() time.Time
}

type windowKey struct {
	client string
	class  string
}

// DefaultClasses returns the stock per-class quotas.
func DefaultClasses() map[string]ClassConfig {
	return map[string]ClassConfig{
		ClassChat:          {Quota: 30, Window: time.Minute},
		ClassConversations: {Quota: 60, Window: time.Minute},
		ClassCleanup:       {Quota: 10, Window: time.Minute},
	}
}

func NewGovernor(classes map[string]ClassConfig) *Governor {
	if classes == nil {
		classes = DefaultClasses()
	}
	for name, cfg := range classes {
		if cfg.Window == 0 {
			cfg.Window = time.Minute
		}
		if cfg.RetryAfter == 0 {
			cfg.RetryAfter = cfg.Window
		}
		classes[name] = cfg
	}

	return &Governor{
		classes: classes,
		windows: make(map[windowKey]*window),
		now:     time.Now,
	}
}

// Admit decides whether a request from client against the given
// endpoint class proceeds. Crossing the window boundary resets the
// counter; a denial carries the class's configured retry-after.
func (g *Governor) Admit(client, class string) Decision {
	cfg, ok := g.classes[class]
	if !ok {
		// Unknown classes are not rate limited.
		return Decision{Allowed: true, EndpointClass: class}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := windowKey{client: client, class: class}
	w, ok := g.windows[key]
	if !ok || now.Sub(w.start) >= cfg.Window {
		w = &window{start: now}
		g.windows[key] = w
	}

	if w.count >= cfg.Quota {
		return Decision{
			Allowed:       false,
			EndpointClass: class,
			RetryAfter:    cfg.RetryAfter,
		}
	}

	w.count++
	return Decision{Allowed: true, EndpointClass: class}
}
