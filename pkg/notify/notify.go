// Package notify delivers events to alert handlers: the local log, an HTTP
// collector and any combination of them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/invisible-tech/hostmon/internal/version"
	"github.com/invisible-tech/hostmon/pkg/service"
)

// Notifier delivers one event and reports whether it got through
type Notifier interface {
	Deliver(ctx context.Context, e *service.Event) bool
}

// Message is the JSON document posted for an event
type Message struct {
	ID        string    `json:"id"`
	Source    string    `json:"source,omitempty"`
	Host      string    `json:"host,omitempty"`
	Service   string    `json:"service"`
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	State     string    `json:"state"`
	Action    string    `json:"action,omitempty"`
	Reminder  bool      `json:"reminder,omitempty"`
	Cycles    int       `json:"cycles"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage converts an event to its wire form
func NewMessage(e *service.Event, source, host string) Message {
	m := Message{
		ID:        e.ID,
		Source:    source,
		Host:      host,
		Service:   e.Service,
		Type:      e.Type.String(),
		Event:     e.Kind.String(),
		State:     e.State.String(),
		Reminder:  e.Reminder,
		Cycles:    e.Count,
		Message:   e.Message,
		Timestamp: e.Collected,
	}
	if a := e.CurrentAction(); a != nil {
		m.Action = a.Kind.String()
	}
	return m
}

// LogNotifier writes events to the daemon log. It never fails.
type LogNotifier struct {
	log *logrus.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Deliver logs e at a level matching its state
func (n *LogNotifier) Deliver(_ context.Context, e *service.Event) bool {
	fields := logrus.Fields{
		"event_id": e.ID,
		"service":  e.Service,
		"type":     e.Type.String(),
		"event":    e.Kind.String(),
		"state":    e.State.String(),
		"cycles":   e.Count,
	}
	if e.Reminder {
		fields["reminder"] = true
	}
	entry := n.log.WithFields(fields)
	switch e.State {
	case service.StateFailed:
		entry.Error(e.Message)
	case service.StateChanged:
		entry.Warn(e.Message)
	default:
		entry.Info(e.Message)
	}
	return true
}

// HTTPConfig configures the collector client
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// Rate limits deliveries per second, Burst is the bucket size. Zero Rate is unlimited.
	Rate  float64
	Burst int
	// Source identifies this daemon, Host the machine it runs on
	Source string
	Host   string
}

// HTTPNotifier posts events as JSON to a collector
type HTTPNotifier struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// NewHTTPNotifier creates an HTTPNotifier
func NewHTTPNotifier(cfg HTTPConfig, log *logrus.Logger) *HTTPNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &HTTPNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		log:        log,
	}
}

// Deliver posts e. A rate limited or failed delivery returns false and is
// retried by the engine on the next cycle.
func (n *HTTPNotifier) Deliver(ctx context.Context, e *service.Event) bool {
	if !n.limiter.Allow() {
		n.log.WithField("service", e.Service).Debug("Collector rate limit reached, delivery deferred")
		return false
	}
	if err := n.Send(ctx, NewMessage(e, n.cfg.Source, n.cfg.Host)); err != nil {
		n.log.WithError(err).WithField("endpoint", n.cfg.Endpoint).Warn("Failed to send event to collector")
		return false
	}
	return true
}

// Send posts one message to the collector
func (n *HTTPNotifier) Send(ctx context.Context, m Message) error {
	if n.cfg.Endpoint == "" {
		return fmt.Errorf("collector endpoint not configured")
	}
	return n.sendJSON(ctx, n.cfg.Endpoint+"/api/v1/events", m)
}

func (n *HTTPNotifier) sendJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	n.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
	}).Debug("Event sent to collector")
	return nil
}

// Multi delivers to every notifier and succeeds only when all of them did.
// A failed member makes the engine retry the whole set, so members should
// tolerate duplicates.
type Multi []Notifier

// Deliver implements Notifier
func (m Multi) Deliver(ctx context.Context, e *service.Event) bool {
	ok := true
	for _, n := range m {
		if n == nil {
			continue
		}
		if !n.Deliver(ctx, e) {
			ok = false
		}
	}
	return ok
}
