package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/metrics"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

const maxCASAttempts = 8

// Synchronizer applies incoming pushes and serves outgoing pulls for
// every resource type. Concurrent pushes for one resource id are
// serialized by the store's compare-and-swap; everything else runs in
// parallel.
type Synchronizer struct {
	store   db.Store
	codecs  map[ocpi.ModuleID]Codec
	metrics *metrics.Metrics
}

// NewSynchronizer creates a synchronizer with the default codec set.
func NewSynchronizer(store db.Store, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{store: store, codecs: DefaultCodecs(), metrics: m}
}

func (s *Synchronizer) codec(module ocpi.ModuleID) (Codec, error) {
	c, ok := s.codecs[module]
	if !ok {
		return nil, ocpi.NotFoundErr(fmt.Sprintf("unknown module %q", module))
	}
	return c, nil
}

// Push upserts an envelope. Acceptance rules, checked as one atomic
// step per resource id:
//   - no current version: insert
//   - identical content hash: idempotent replay, accepted silently
//     with no state change
//   - strictly newer last_updated: supersede
//   - owner allows downgrades: supersede
//   - otherwise: StaleUpdate
func (s *Synchronizer) Push(ctx context.Context, env *ocpi.Envelope) error {
	c, err := s.codec(env.Module)
	if err != nil {
		return err
	}
	if !env.Deleted {
		if err := c.Validate(env.Payload); err != nil {
			s.count(env.Module, "malformed")
			return err
		}
	}
	env.LastUpdated = env.LastUpdated.UTC()
	env.Hash = ocpi.ContentHash(env.Payload, env.Deleted)

	allowDowngrades, err := s.ownerAllowsDowngrades(ctx, env.Owner)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.store.GetEnvelope(ctx, env.Owner, env.Module, env.ID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			env.StoreVersion = 0
		case err != nil:
			return err
		default:
			if cur.Hash == env.Hash {
				// Genuine replay: LastUpdated must not move.
				s.count(env.Module, "replay")
				return nil
			}
			if !env.LastUpdated.After(cur.LastUpdated) && !allowDowngrades {
				s.count(env.Module, "stale")
				return ocpi.StaleErr(fmt.Sprintf(
					"%s %s: stored version at %s is not older than %s",
					env.Module, env.ID,
					cur.LastUpdated.Format(time.RFC3339), env.LastUpdated.Format(time.RFC3339)))
			}
			env.StoreVersion = cur.StoreVersion
		}

		err = s.store.PutEnvelope(ctx, env)
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.count(env.Module, "accepted")
		logrus.WithFields(logrus.Fields{
			"owner":  env.Owner.String(),
			"module": env.Module,
			"id":     env.ID,
		}).Debug("Accepted push")
		return nil
	}
	return fmt.Errorf("%s %s: push contended", env.Module, env.ID)
}

// Patch merges a partial update into the current payload via the
// module codec and pushes the merged document. Ordering is still
// decided by Push; only the replace-vs-merge decision is delegated.
func (s *Synchronizer) Patch(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string, patch json.RawMessage) error {
	c, err := s.codec(module)
	if err != nil {
		return err
	}
	cur, err := s.store.GetEnvelope(ctx, owner, module, id)
	if errors.Is(err, db.ErrNotFound) {
		return ocpi.NotFoundErr(fmt.Sprintf("%s %s: not found", module, id))
	}
	if err != nil {
		return err
	}
	if cur.Deleted {
		return ocpi.NotFoundErr(fmt.Sprintf("%s %s: deleted", module, id))
	}
	merged, err := c.Merge(cur.Payload, patch)
	if err != nil {
		return err
	}
	lastUpdated, err := ExtractLastUpdated(merged)
	if err != nil {
		return err
	}
	return s.Push(ctx, &ocpi.Envelope{
		ID:          id,
		Owner:       owner,
		Module:      module,
		LastUpdated: lastUpdated,
		Payload:     merged,
	})
}

// Delete inserts a tombstone following the same ordering rule. A
// tombstone can itself be superseded by a later genuine push; that
// resurrection is intentional.
func (s *Synchronizer) Delete(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string, asOf time.Time) error {
	return s.Push(ctx, &ocpi.Envelope{
		ID:          id,
		Owner:       owner,
		Module:      module,
		LastUpdated: asOf,
		Deleted:     true,
	})
}

// Get returns the current envelope for a resource id.
func (s *Synchronizer) Get(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string) (*ocpi.Envelope, error) {
	env, err := s.store.GetEnvelope(ctx, owner, module, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ocpi.NotFoundErr(fmt.Sprintf("%s %s: not found", module, id))
	}
	return env, err
}

// PullQuery filters a pull.
type PullQuery struct {
	From   *time.Time
	To     *time.Time
	Cursor string // opaque, from a previous page's NextCursor
	Offset int    // plain numeric paging for clients without cursors
	Limit  int
	// ExcludeDeleted leaves tombstones out of the page and the total,
	// for consumers that only serve live objects.
	ExcludeDeleted bool
}

// Page is one page of a pull, in ascending (last_updated, id) order.
// NextCursor is empty on the last page.
type Page struct {
	Envelopes  []*ocpi.Envelope
	Total      int
	Limit      int
	NextCursor string
}

// DefaultPageLimit caps a pull page when the client does not set one.
const DefaultPageLimit = 100

// Pull returns envelopes with last_updated > From in stable order. The
// cursor ties on (last_updated, id) so a client resuming a partial
// pull never skips or duplicates a resource, even while new pushes
// land.
func (s *Synchronizer) Pull(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, q PullQuery) (*Page, error) {
	if _, err := s.codec(module); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > DefaultPageLimit {
		limit = DefaultPageLimit
	}
	query := db.EnvelopeQuery{From: q.From, To: q.To, Limit: limit, ExcludeDeleted: q.ExcludeDeleted}
	if q.Cursor != "" {
		c, err := db.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, ocpi.MalformedErr("invalid cursor", err)
		}
		query.Cursor = &c
	} else if q.Offset > 0 {
		// Numeric offset for plain clients: fetch through the offset
		// and skip within the stable order.
		query.Limit = q.Offset + limit
	}

	envelopes, total, err := s.store.ListEnvelopes(ctx, owner, module, query)
	if err != nil {
		return nil, err
	}
	if query.Cursor == nil && q.Offset > 0 {
		if q.Offset >= len(envelopes) {
			envelopes = nil
		} else {
			envelopes = envelopes[q.Offset:]
		}
	}

	page := &Page{Envelopes: envelopes, Total: total, Limit: limit}
	if len(envelopes) == limit && total > 0 {
		last := envelopes[len(envelopes)-1]
		page.NextCursor = db.EncodeCursor(db.Cursor{After: last.LastUpdated, AfterID: last.ID})
	}
	if s.metrics != nil {
		s.metrics.Pulls.WithLabelValues(string(module)).Inc()
	}
	return page, nil
}

func (s *Synchronizer) ownerAllowsDowngrades(ctx context.Context, owner ocpi.PartyID) (bool, error) {
	party, err := s.store.FindPartyByIdentity(ctx, owner)
	if errors.Is(err, db.ErrNotFound) {
		// Locally owned data has no directory entry; ordering applies.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return party.AllowsDowngrades(), nil
}

func (s *Synchronizer) count(module ocpi.ModuleID, result string) {
	if s.metrics != nil {
		s.metrics.PushResults.WithLabelValues(string(module), result).Inc()
	}
}
