// Package sync implements the resource synchronizer: the single place
// where push/pull ordering, idempotency and downgrade protection are
// decided for every resource type.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Codec is the per-resource-type hook: field validation and PATCH
// merging live here, ordering and idempotency do not.
type Codec interface {
	Module() ocpi.ModuleID
	// Validate rejects payloads the resource schema forbids.
	Validate(raw json.RawMessage) error
	// Merge applies a partial update to the current payload and
	// returns the merged document.
	Merge(current, patch json.RawMessage) (json.RawMessage, error)
}

// jsonCodec is the default codec: required top-level fields plus
// JSON merge-patch semantics (RFC 7396) for PATCH.
type jsonCodec struct {
	module   ocpi.ModuleID
	required []string
}

func (c jsonCodec) Module() ocpi.ModuleID { return c.module }

func (c jsonCodec) Validate(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ocpi.MalformedErr(fmt.Sprintf("%s: payload is not an object", c.module), err)
	}
	for _, field := range c.required {
		v, ok := obj[field]
		if !ok || string(v) == "null" {
			return ocpi.MalformedErr(fmt.Sprintf("%s: missing required field %q", c.module, field), nil)
		}
	}
	return nil
}

func (c jsonCodec) Merge(current, patch json.RawMessage) (json.RawMessage, error) {
	merged, err := mergePatch(current, patch)
	if err != nil {
		return nil, ocpi.MalformedErr(fmt.Sprintf("%s: invalid patch", c.module), err)
	}
	return merged, nil
}

// mergePatch implements RFC 7396 JSON merge patch.
func mergePatch(current, patch json.RawMessage) (json.RawMessage, error) {
	var patchObj map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchObj); err != nil {
		// Non-object patch replaces the whole document.
		var check interface{}
		if err := json.Unmarshal(patch, &check); err != nil {
			return nil, err
		}
		return patch, nil
	}
	curObj := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &curObj); err != nil {
			curObj = map[string]json.RawMessage{}
		}
	}
	for key, val := range patchObj {
		if string(val) == "null" {
			delete(curObj, key)
			continue
		}
		var sub map[string]json.RawMessage
		if json.Unmarshal(val, &sub) == nil {
			merged, err := mergePatch(curObj[key], val)
			if err != nil {
				return nil, err
			}
			curObj[key] = merged
			continue
		}
		curObj[key] = val
	}
	return json.Marshal(curObj)
}

// DefaultCodecs returns the codec set for every synchronized module.
// Validation here is deliberately shallow: the full field catalogs
// belong to the per-version codecs, not to the synchronizer.
func DefaultCodecs() map[ocpi.ModuleID]Codec {
	codecs := map[ocpi.ModuleID]Codec{
		ocpi.ModuleLocations: jsonCodec{ocpi.ModuleLocations, []string{"id", "last_updated"}},
		ocpi.ModuleSessions:  jsonCodec{ocpi.ModuleSessions, []string{"id", "last_updated", "status"}},
		ocpi.ModuleCDRs:      jsonCodec{ocpi.ModuleCDRs, []string{"id", "last_updated", "total_cost"}},
		ocpi.ModuleTariffs:   jsonCodec{ocpi.ModuleTariffs, []string{"id", "last_updated", "currency"}},
		ocpi.ModuleTokens:    jsonCodec{ocpi.ModuleTokens, []string{"uid", "last_updated", "valid"}},
	}
	return codecs
}

// ExtractLastUpdated reads the resource's own last_updated field,
// which orders pushes. A resource without one cannot be synchronized.
func ExtractLastUpdated(raw json.RawMessage) (time.Time, error) {
	var probe struct {
		LastUpdated *time.Time `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return time.Time{}, ocpi.MalformedErr("payload is not valid JSON", err)
	}
	if probe.LastUpdated == nil {
		return time.Time{}, ocpi.MalformedErr("payload missing last_updated", nil)
	}
	return probe.LastUpdated.UTC(), nil
}
