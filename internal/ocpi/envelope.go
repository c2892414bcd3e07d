package ocpi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Envelope is the generic wrapper the resource synchronizer operates
// on, independent of the concrete resource schema. For a given
// (Owner, Module, ID) at most one envelope is current; superseding it
// requires a strictly newer LastUpdated unless the owner allows
// downgrades. Deletes are tombstones (Deleted=true), never physical
// removal, so ordering history survives and later pushes can resurrect
// the resource.
type Envelope struct {
	ID          string          `json:"id"`
	Owner       PartyID         `json:"owner"`
	Module      ModuleID        `json:"module"`
	LastUpdated time.Time       `json:"last_updated"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
	Hash        string          `json:"hash"`
	// StoreVersion is the CAS counter, owned by the store.
	StoreVersion int64 `json:"-"`
}

// ContentHash computes the deterministic hash of an envelope's
// content. Identical hashes mean an idempotent replay.
func ContentHash(payload json.RawMessage, deleted bool) string {
	h := sha256.New()
	h.Write(payload)
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
