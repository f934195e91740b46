package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/diamory/diamory-backend/internal/metrics"
	"github.com/diamory/diamory-backend/internal/model"
)

var (
	ErrNoHealthy   = errors.New("no healthy mail providers")
	ErrNoAcquire   = errors.New("mail provider not acquired")
	ErrNoRecipient = errors.New("mail has no recipient")
)

// Dispatcher spreads mails across the ready providers round-robin and
// retries on another provider up to maxAttempts times.
type Dispatcher struct {
	from              string
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func NewDispatcher(from string, provs []Provider, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	return &Dispatcher{from: from, providers: provs, maxAttempts: maxAttempts}
}

func (d *Dispatcher) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (d *Dispatcher) tryOnce(ctx context.Context, m model.Mail) error {
	p, err := d.selectProvider()
	if err != nil {
		return err
	}

	if !p.Acquire() {
		return ErrNoAcquire
	}

	if err := p.Send(ctx, d.from, m); err != nil {
		metrics.MailsSent.WithLabelValues(p.Name(), "error").Inc()
		return err
	}
	metrics.MailsSent.WithLabelValues(p.Name(), "ok").Inc()
	return nil
}

func (d *Dispatcher) Send(ctx context.Context, m model.Mail) error {
	if m.To == "" {
		return ErrNoRecipient
	}

	var last error
	for i := 0; i < d.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.tryOnce(ctx, m)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, ErrNoHealthy) {
			break
		}
	}

	return fmt.Errorf("send mail to %s: %w", m.To, last)
}
