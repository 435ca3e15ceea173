// Package alert delivers high-threat audit events to external receivers:
// HTTP webhooks and a Redis pub/sub channel.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/config"
)

// Payload is the JSON body sent to webhook and Redis receivers.
type Payload struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	ThreatLevel audit.ThreatLevel `json:"threat_level"`
	UserID      string            `json:"user_id,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Resource    string            `json:"resource,omitempty"`
	Result      string            `json:"result,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

// NewPayload converts an audit event to its wire form.
func NewPayload(ev audit.Event) Payload {
	return Payload{
		EventID:     ev.EventID,
		EventType:   ev.EventType,
		ThreatLevel: ev.ThreatLevel,
		UserID:      ev.UserID,
		AgentID:     ev.AgentID,
		Resource:    ev.Resource,
		Result:      ev.Result,
		Details:     ev.Details,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

type endpoint struct {
	url       string
	events    []string
	minThreat audit.ThreatLevel
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

func (e *endpoint) wants(ev audit.Event) bool {
	if !ev.ThreatLevel.AtLeast(e.minThreat) {
		return false
	}
	return len(e.events) == 0 || slices.Contains(e.events, ev.EventType)
}

// Webhook posts alerts to configured URLs. Delivery runs off the caller's
// goroutine with retries behind a per-endpoint circuit breaker.
type Webhook struct {
	endpoints []*endpoint
	attempts  uint
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewWebhook builds a notifier from config. Invalid URLs are logged and
// skipped.
func NewWebhook(hooks []config.Webhook, logger *slog.Logger) *Webhook {
	w := &Webhook{attempts: 3, logger: logger}
	for _, wh := range hooks {
		if err := validateURL(wh.URL, wh.AllowPrivate); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		min := audit.ThreatHigh
		if wh.MinThreat != "" {
			parsed, err := audit.ParseThreatLevel(wh.MinThreat)
			if err != nil {
				logger.Warn("skipping webhook with invalid min_threat", "url", wh.URL, "error", err)
				continue
			}
			min = parsed
		}
		w.endpoints = append(w.endpoints, &endpoint{
			url:       wh.URL,
			events:    wh.Events,
			minThreat: min,
			client:    newClient(wh.AllowPrivate),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "webhook:" + wh.URL,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= 5
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("webhook circuit state changed", "endpoint", name, "from", from.String(), "to", to.String())
				},
			}),
		})
	}
	return w
}

func newClient(allowPrivate bool) *http.Client {
	transport := &http.Transport{DialContext: safeDialContext}
	if allowPrivate {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := validateURL(req.URL.String(), allowPrivate); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		},
	}
}

// Endpoints returns the number of usable webhook URLs.
func (w *Webhook) Endpoints() int { return len(w.endpoints) }

// Notify schedules delivery to every matching endpoint and returns at once.
func (w *Webhook) Notify(ctx context.Context, ev audit.Event) error {
	body, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	for _, ep := range w.endpoints {
		if !ep.wants(ev) {
			continue
		}
		w.wg.Add(1)
		go func(ep *endpoint) {
			defer w.wg.Done()
			if err := w.deliver(ctx, ep, body); err != nil {
				w.logger.Warn("webhook delivery failed", "url", ep.url, "event_id", ev.EventID, "error", err)
			}
		}(ep)
	}
	return nil
}

func (w *Webhook) deliver(ctx context.Context, ep *endpoint, body []byte) error {
	_, err := ep.breaker.Execute(func() (interface{}, error) {
		return nil, retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(retry.BackOffDelay),
		).Do(func() error {
			return post(ctx, ep.client, ep.url, body)
		})
	})
	return err
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close waits for in-flight deliveries.
func (w *Webhook) Close() {
	w.wg.Wait()
}
