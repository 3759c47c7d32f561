// Package delivery pushes bot events to external consumers: signed
// webhook POSTs with bounded retries, and outbound realtime-audio
// WebSocket bridges with bounded reconnects. Delivery failures are
// recorded and surfaced, never fatal to a session.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/store"
)

const (
	// requestTimeout bounds one webhook attempt; a response after it
	// counts as failure.
	requestTimeout = 10 * time.Second
	// maxAttempts is the total attempt budget per delivery.
	maxAttempts = 4
)

type payload struct {
	IdempotencyKey string            `json:"idempotency_key"`
	BotID          string            `json:"bot_id"`
	BotMetadata    map[string]string `json:"bot_metadata"`
	Trigger        string            `json:"trigger"`
	Data           interface{}       `json:"data"`
}

type job struct {
	delivery  *bot.WebhookDelivery
	signature string
}

// SecretFunc resolves a project's base64 webhook secret; empty means
// the project has no secret configured.
type SecretFunc func(projectID string) string

// Deliverer fans logical events out to webhook subscriptions and
// drives the retry loop. One Deliverer serves all bots.
type Deliverer struct {
	store     store.Store
	secretFor SecretFunc
	client    *http.Client
	logger    *logrus.Entry

	workers     int
	backoffBase time.Duration

	jobs      chan job
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithWorkers sets the number of delivery workers.
func WithWorkers(n int) DelivererOption {
	return func(d *Deliverer) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithBackoffBase sets the first retry delay; later retries double it.
func WithBackoffBase(base time.Duration) DelivererOption {
	return func(d *Deliverer) { d.backoffBase = base }
}

// WithHTTPClient replaces the delivery HTTP client.
func WithHTTPClient(c *http.Client) DelivererOption {
	return func(d *Deliverer) { d.client = c }
}

// NewDeliverer wires a deliverer over the store and secret resolver.
func NewDeliverer(st store.Store, secretFor SecretFunc, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		store:       st,
		secretFor:   secretFor,
		client:      &http.Client{Timeout: requestTimeout},
		logger:      log.WithComponent("delivery"),
		workers:     4,
		backoffBase: time.Second,
		jobs:        make(chan job, 256),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery workers.
func (d *Deliverer) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for j := range d.jobs {
					d.process(j)
				}
			}()
		}
	})
}

// Close stops accepting events and waits for queued deliveries,
// including their retries, to finish.
func (d *Deliverer) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}

// Publish creates one delivery record per matching subscription of the
// project and queues them. Each record gets its own idempotency key,
// fixed for the life of that delivery.
func (d *Deliverer) Publish(ctx context.Context, projectID string, ev Event) error {
	subs, err := d.store.ListSubscriptions(ctx, projectID)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}
	matching := subs[:0]
	for _, sub := range subs {
		if sub.Wants(ev.Trigger) {
			matching = append(matching, sub)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	secret := d.secretFor(projectID)
	if secret == "" {
		d.logger.Warnf("Project %s has webhook subscriptions but no secret, skipping %s", projectID, ev.Trigger)
		return nil
	}
	for _, sub := range matching {
		key := uuid.NewString()
		body, err := Canonical(payload{
			IdempotencyKey: key,
			BotID:          ev.BotID,
			BotMetadata:    ev.Metadata,
			Trigger:        ev.Trigger,
			Data:           ev.Data,
		})
		if err != nil {
			return fmt.Errorf("serializing %s payload: %w", ev.Trigger, err)
		}
		sig, err := Sign(body, secret)
		if err != nil {
			return err
		}
		rec := &bot.WebhookDelivery{
			ID:             uuid.NewString(),
			BotID:          ev.BotID,
			URL:            sub.URL,
			EventKind:      ev.Trigger,
			Payload:        body,
			IdempotencyKey: key,
			Status:         bot.DeliveryPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.store.CreateDelivery(ctx, rec); err != nil {
			return fmt.Errorf("recording delivery: %w", err)
		}
		select {
		case d.jobs <- job{delivery: rec, signature: sig}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// process runs the full attempt series for one delivery. Retries use
// exponential backoff and reuse the exact payload and signature of the
// first attempt.
func (d *Deliverer) process(j job) {
	rec := j.delivery
	logger := d.logger.WithFields(logrus.Fields{"bot_id": rec.BotID, "url": rec.URL, "trigger": rec.EventKind})

	ctx := context.Background()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(d.backoffBase << (attempt - 2))
		}
		rec.Attempts = attempt
		err := d.attempt(rec, j.signature)
		if err == nil {
			rec.Status = bot.DeliveryDelivered
			rec.LastError = ""
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			if updateErr := d.store.UpdateDelivery(ctx, rec); updateErr != nil {
				logger.WithError(updateErr).Error("Cannot record delivered status")
			}
			logger.Debugf("Delivered on attempt %d", attempt)
			return
		}
		rec.LastError = err.Error()
		if attempt < maxAttempts {
			metrics.WebhookAttempts.WithLabelValues("retry").Inc()
			logger.WithError(err).Warnf("Attempt %d/%d failed", attempt, maxAttempts)
			if updateErr := d.store.UpdateDelivery(ctx, rec); updateErr != nil {
				logger.WithError(updateErr).Error("Cannot record attempt")
			}
			continue
		}
	}

	rec.Status = bot.DeliveryFailed
	metrics.WebhookAttempts.WithLabelValues("failure").Inc()
	if err := d.store.UpdateDelivery(ctx, rec); err != nil {
		logger.WithError(err).Error("Cannot record failed status")
	}
	logger.Errorf("Giving up after %d attempts: %s", maxAttempts, rec.LastError)
}

func (d *Deliverer) attempt(rec *bot.WebhookDelivery, signature string) error {
	req, err := http.NewRequest(http.MethodPost, rec.URL, bytes.NewReader(rec.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
