// Package versions implements protocol version negotiation with a
// counter-party: discovery of the versions it supports, selection of
// the highest mutually supported one and resolution of its per-version
// endpoint map.
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// DefaultTimeout bounds a discovery request when the counter-party's
// access record does not specify one.
const DefaultTimeout = 15 * time.Second

// Negotiator performs version discovery against counter-parties.
type Negotiator struct {
	client *http.Client
	local  []ocpi.Version
}

// NewNegotiator creates a negotiator advertising the given local
// versions. A nil client gets a default with DefaultTimeout.
func NewNegotiator(client *http.Client, local []ocpi.Version) *Negotiator {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if len(local) == 0 {
		local = ocpi.SupportedVersions
	}
	return &Negotiator{client: client, local: local}
}

// Discover fetches the counter-party's supported versions from its
// versions URL. Transport errors come back as retryable transport
// failures; schema violations as malformed payloads.
func (n *Negotiator) Discover(ctx context.Context, versionsURL, token string) (map[ocpi.Version]string, error) {
	var body struct {
		Data []ocpi.VersionEntry `json:"data"`
	}
	if err := n.getJSON(ctx, versionsURL, token, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ocpi.MalformedErr("malformed version list: empty", nil)
	}
	out := make(map[ocpi.Version]string, len(body.Data))
	for _, entry := range body.Data {
		if entry.Version == "" || entry.URL == "" {
			return nil, ocpi.MalformedErr("malformed version list: entry missing version or url", nil)
		}
		out[entry.Version] = entry.URL
	}
	return out, nil
}

// SelectVersion picks the highest version present in both sets using
// the fixed total order. An empty intersection is fatal for the
// counter-party and must never be silently downgraded around.
func SelectVersion(local, remote []ocpi.Version) (ocpi.Version, error) {
	remoteSet := make(map[ocpi.Version]bool, len(remote))
	for _, v := range remote {
		remoteSet[v] = true
	}
	var best ocpi.Version
	for _, v := range local {
		if remoteSet[v] && v.Rank() > best.Rank() {
			best = v
		}
	}
	if best == "" {
		return "", ocpi.NoCommonVersionErr("no common protocol version")
	}
	return best, nil
}

// ResolveEndpoints fetches the endpoint map for one negotiated version.
func (n *Negotiator) ResolveEndpoints(ctx context.Context, versionURL, token string) (map[ocpi.ModuleID]string, error) {
	var body struct {
		Data ocpi.VersionDetails `json:"data"`
	}
	if err := n.getJSON(ctx, versionURL, token, &body); err != nil {
		return nil, err
	}
	if len(body.Data.Endpoints) == 0 {
		return nil, ocpi.MalformedErr("malformed version details: no endpoints", nil)
	}
	out := make(map[ocpi.ModuleID]string, len(body.Data.Endpoints))
	for _, ep := range body.Data.Endpoints {
		if ep.Identifier == "" || ep.URL == "" {
			return nil, ocpi.MalformedErr("malformed version details: endpoint missing identifier or url", nil)
		}
		out[ep.Identifier] = ep.URL
	}
	return out, nil
}

// Negotiate runs the full discovery: version list, selection and
// endpoint resolution. The result is cached on the counter-party's
// access record by the caller and reused until its versions change.
func (n *Negotiator) Negotiate(ctx context.Context, versionsURL, token string) (ocpi.RemoteEndpoints, error) {
	available, err := n.Discover(ctx, versionsURL, token)
	if err != nil {
		return ocpi.RemoteEndpoints{State: ocpi.EndpointsNotConfigured}, err
	}
	remote := make([]ocpi.Version, 0, len(available))
	for v := range available {
		remote = append(remote, v)
	}
	selected, err := SelectVersion(n.local, remote)
	if err != nil {
		return ocpi.RemoteEndpoints{State: ocpi.EndpointsNotConfigured}, err
	}
	endpoints, err := n.ResolveEndpoints(ctx, available[selected], token)
	if err != nil {
		return ocpi.RemoteEndpoints{State: ocpi.EndpointsDiscovering}, err
	}
	logrus.WithFields(logrus.Fields{
		"version":   selected,
		"endpoints": len(endpoints),
	}).Info("Negotiated protocol version")
	return ocpi.RemoteEndpoints{
		State:     ocpi.EndpointsActive,
		Version:   selected,
		Endpoints: endpoints,
	}, nil
}

func (n *Negotiator) getJSON(ctx context.Context, url, token string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ocpi.MalformedErr("invalid url", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return ocpi.TransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ocpi.TransportErr(fmt.Errorf("peer returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return ocpi.MalformedErr(fmt.Sprintf("peer returned %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ocpi.MalformedErr("malformed version list", err)
	}
	return nil
}
