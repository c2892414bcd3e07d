package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

const maxCASAttempts = 8

// UpdateParty applies fn to the current party record under a
// compare-and-swap loop. fn must be side-effect free: it may run more
// than once when the swap loses a race. LastUpdated is not touched
// here; fn decides whether the mutation is content-visible.
func UpdateParty(ctx context.Context, store Store, registrationID string, fn func(*ocpi.RemoteParty) error) (*ocpi.RemoteParty, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		p, err := store.GetParty(ctx, registrationID)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		err = store.PutParty(ctx, p)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("party %s: update contended", registrationID)
}
