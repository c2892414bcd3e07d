package sync

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/metrics"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Sender delivers one envelope to a counter-party. Implemented by the
// outbound client; abstracted here so retry policy and dead-lettering
// are testable without a network.
type Sender interface {
	Send(ctx context.Context, party *ocpi.RemoteParty, env *ocpi.Envelope) error
}

// DefaultMaxRetries bounds outbound attempts when the counter-party's
// access record does not configure its own policy.
const DefaultMaxRetries = 5

// Pusher drives outbound pushes: bounded exponential backoff on
// transport failures, then the dead-letter queue. Silently dropping an
// envelope is never an acceptable outcome.
type Pusher struct {
	store           db.Store
	sender          Sender
	metrics         *metrics.Metrics
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewPusher creates a pusher over the given sender.
func NewPusher(store db.Store, sender Sender, m *metrics.Metrics) *Pusher {
	return &Pusher{
		store:           store,
		sender:          sender,
		metrics:         m,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
}

// SetBackoff overrides the retry intervals.
func (p *Pusher) SetBackoff(initial, max time.Duration) {
	p.initialInterval = initial
	p.maxInterval = max
}

// Push delivers the envelope, retrying transport failures with
// exponential backoff up to the party's configured attempt count.
// Protocol-level rejections (stale, malformed, auth) are returned
// immediately: retrying the same payload cannot succeed. After
// exhausting transport retries the envelope is queued for
// administrative replay and the transport error is returned.
func (p *Pusher) Push(ctx context.Context, party *ocpi.RemoteParty, env *ocpi.Envelope) error {
	maxRetries := DefaultMaxRetries
	if len(party.RemoteAccess) > 0 && party.RemoteAccess[0].MaxRetries > 0 {
		maxRetries = party.RemoteAccess[0].MaxRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialInterval
	bo.MaxInterval = p.maxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := p.sender.Send(ctx, party, env)
		if err == nil {
			return nil
		}
		if !ocpi.Retryable(err) {
			return backoff.Permanent(err)
		}
		if p.metrics != nil {
			p.metrics.OutboundRetry.Inc()
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"registrationID": party.RegistrationID,
			"module":         env.Module,
			"id":             env.ID,
			"attempt":        attempts,
		}).Warn("Outbound push failed, retrying")
		return err
	}

	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}
	if !ocpi.Retryable(err) {
		return err
	}
	if qErr := p.enqueue(ctx, party, env, attempts, err); qErr != nil {
		logrus.WithError(qErr).Error("Failed to queue dead letter")
		return fmt.Errorf("push failed and dead-lettering failed: %w", qErr)
	}
	return err
}

// Replay retries one dead-lettered push and removes it on success.
func (p *Pusher) Replay(ctx context.Context, id string) error {
	letters, err := p.store.ListDeadLetters(ctx)
	if err != nil {
		return err
	}
	for _, d := range letters {
		if d.ID != id {
			continue
		}
		party, err := p.store.GetParty(ctx, d.RegistrationID)
		if err != nil {
			return err
		}
		env := d.Envelope
		if err := p.sender.Send(ctx, party, &env); err != nil {
			return err
		}
		return p.store.DeleteDeadLetter(ctx, id)
	}
	return ocpi.NotFoundErr(fmt.Sprintf("dead letter %s: not found", id))
}

func (p *Pusher) enqueue(ctx context.Context, party *ocpi.RemoteParty, env *ocpi.Envelope, attempts int, cause error) error {
	d := &db.DeadLetter{
		ID:             ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		RegistrationID: party.RegistrationID,
		Envelope:       *env,
		Attempts:       attempts,
		LastError:      cause.Error(),
		QueuedAt:       time.Now().UTC(),
	}
	if err := p.store.EnqueueDeadLetter(ctx, d); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"deadLetterID":   d.ID,
		"registrationID": party.RegistrationID,
		"module":         env.Module,
		"id":             env.ID,
		"attempts":       attempts,
	}).Error("Outbound push exhausted retries, queued for replay")
	return nil
}
