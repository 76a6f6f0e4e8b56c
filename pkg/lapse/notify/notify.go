// Package notify delivers failure notifications to the operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jamesainslie/lapse/pkg/lapse/logging"
)

// ErrDelivery is wrapped by every failed delivery.
var ErrDelivery = errors.New("notification delivery failed")

// Notifier sends a short text message.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Webhook posts the message as a plain-text body to URL, the way
// notify.run channels and most chat webhooks accept it.
type Webhook struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewWebhook returns a webhook notifier with the given request timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{URL: url, Timeout: timeout}
}

// Send implements Notifier.
func (w *Webhook) Send(ctx context.Context, message string) error {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", ErrDelivery, w.URL, resp.Status)
	}
	return nil
}

// Nop only logs the message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(_ context.Context, message string) error {
	logging.Get("notify").Info("notification (no webhook configured)", "message", message)
	return nil
}

// Latch forwards at most one message per process lifetime. Failed
// deliveries still count as fired so a broken webhook is not retried
// every cycle.
type Latch struct {
	next Notifier

	mu    sync.Mutex
	fired bool
}

// NewLatch wraps next.
func NewLatch(next Notifier) *Latch {
	return &Latch{next: next}
}

// Send forwards the first message and drops the rest.
func (l *Latch) Send(ctx context.Context, message string) error {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return nil
	}
	l.fired = true
	l.mu.Unlock()

	return l.next.Send(ctx, message)
}

// Fired reports whether a message has been forwarded.
func (l *Latch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}

// FromURL returns a webhook notifier for url, or Nop when url is empty.
func FromURL(url string, timeout time.Duration) Notifier {
	if url == "" {
		return Nop{}
	}
	return NewWebhook(url, timeout)
}
