package db

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu          sync.RWMutex
	parties     map[string]*ocpi.RemoteParty
	envelopes   map[string]*ocpi.Envelope
	deadLetters map[string]*DeadLetter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parties:     make(map[string]*ocpi.RemoteParty),
		envelopes:   make(map[string]*ocpi.Envelope),
		deadLetters: make(map[string]*DeadLetter),
	}
}

func envKey(owner ocpi.PartyID, module ocpi.ModuleID, id string) string {
	return owner.String() + "|" + string(module) + "|" + id
}

func copyParty(p *ocpi.RemoteParty) *ocpi.RemoteParty {
	b, _ := json.Marshal(p)
	out := &ocpi.RemoteParty{}
	_ = json.Unmarshal(b, out)
	out.Version = p.Version
	return out
}

func copyEnvelope(e *ocpi.Envelope) *ocpi.Envelope {
	b, _ := json.Marshal(e)
	out := &ocpi.Envelope{}
	_ = json.Unmarshal(b, out)
	out.StoreVersion = e.StoreVersion
	return out
}

func (m *MemoryStore) GetParty(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[registrationID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyParty(p), nil
}

func (m *MemoryStore) FindPartyByIdentity(ctx context.Context, id ocpi.PartyID) (*ocpi.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.parties {
		for i := range p.Roles {
			if p.Roles[i].PartyID == id {
				return copyParty(p), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListParties(ctx context.Context) ([]*ocpi.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ocpi.RemoteParty, 0, len(m.parties))
	for _, p := range m.parties {
		out = append(out, copyParty(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegistrationID < out[j].RegistrationID
	})
	return out, nil
}

func (m *MemoryStore) PutParty(ctx context.Context, p *ocpi.RemoteParty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.parties[p.RegistrationID]
	if p.Version == 0 {
		if exists {
			return ErrDuplicate
		}
	} else {
		if !exists {
			return ErrNotFound
		}
		if cur.Version != p.Version {
			return ErrVersionConflict
		}
	}
	stored := copyParty(p)
	stored.Version = p.Version + 1
	m.parties[p.RegistrationID] = stored
	p.Version = stored.Version
	return nil
}

func (m *MemoryStore) GetEnvelope(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string) (*ocpi.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.envelopes[envKey(owner, module, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEnvelope(e), nil
}

func (m *MemoryStore) PutEnvelope(ctx context.Context, env *ocpi.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := envKey(env.Owner, env.Module, env.ID)
	cur, exists := m.envelopes[key]
	if env.StoreVersion == 0 {
		if exists {
			return ErrVersionConflict
		}
	} else {
		if !exists {
			return ErrNotFound
		}
		if cur.StoreVersion != env.StoreVersion {
			return ErrVersionConflict
		}
	}
	stored := copyEnvelope(env)
	stored.StoreVersion = env.StoreVersion + 1
	m.envelopes[key] = stored
	env.StoreVersion = stored.StoreVersion
	return nil
}

func (m *MemoryStore) ListEnvelopes(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, q EnvelopeQuery) ([]*ocpi.Envelope, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*ocpi.Envelope
	for key, e := range m.envelopes {
		if !strings.HasPrefix(key, owner.String()+"|"+string(module)+"|") {
			continue
		}
		if q.From != nil && !e.LastUpdated.After(*q.From) {
			continue
		}
		if q.To != nil && !e.LastUpdated.Before(*q.To) {
			continue
		}
		if q.ExcludeDeleted && e.Deleted {
			continue
		}
		matched = append(matched, copyEnvelope(e))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastUpdated.Equal(matched[j].LastUpdated) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].LastUpdated.Before(matched[j].LastUpdated)
	})
	total := len(matched)

	if q.Cursor != nil {
		pos := sort.Search(len(matched), func(i int) bool {
			e := matched[i]
			if e.LastUpdated.Equal(q.Cursor.After) {
				return e.ID > q.Cursor.AfterID
			}
			return e.LastUpdated.After(q.Cursor.After)
		})
		matched = matched[pos:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (m *MemoryStore) EnqueueDeadLetter(ctx context.Context, d *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deadLetters[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DeadLetter, 0, len(m.deadLetters))
	for _, d := range m.deadLetters {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(m.deadLetters, id)
	return nil
}

func (m *MemoryStore) Close() {}
