// Package client implements this system acting as an OCPI client
// toward counter-parties: the outbound registration handshake and
// resource push/pull through negotiated endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
	"github.com/balu-dk/go-ocpi/internal/tokens"
	"github.com/balu-dk/go-ocpi/internal/versions"
)

// DefaultTimeout bounds an outbound request when the counter-party's
// access record does not configure one. A timeout is a transport
// failure, never an authoritative rejection.
const DefaultTimeout = 30 * time.Second

// Client calls counter-parties. Safe for concurrent use; calls to
// different parties proceed independently.
type Client struct {
	http       *http.Client
	store      db.Store
	negotiator *versions.Negotiator
	registrar  *credentials.Registrar
	tokens     *tokens.Registry
}

// New creates an outbound client. A nil httpClient gets a default.
func New(httpClient *http.Client, store db.Store, neg *versions.Negotiator, reg *credentials.Registrar, tok *tokens.Registry) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{http: httpClient, store: store, negotiator: neg, registrar: reg, tokens: tok}
}

// Handshake performs the outbound registration for a party created by
// BeginRemoteRegistration: negotiate endpoints with the token they
// gave us, issue them a token of ours, POST our credentials to their
// credentials endpoint and store what they answer.
func (c *Client) Handshake(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error) {
	party, err := c.store.GetParty(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if len(party.RemoteAccess) == 0 {
		return nil, ocpi.NotAllowedErr("party has no remote access record")
	}
	access := party.RemoteAccess[0]

	endpoints, err := c.negotiator.Negotiate(ctx, access.VersionsURL, access.Token)
	if err != nil {
		return nil, err
	}
	credURL := endpoints.URLFor(ocpi.ModuleCredentials)
	if credURL == "" {
		return nil, ocpi.MalformedErr("counter-party publishes no credentials endpoint", nil)
	}

	ourToken, err := c.tokens.Issue(ctx, registrationID, tokens.IssueOptions{})
	if err != nil {
		return nil, err
	}

	var theirCreds ocpi.Credentials
	err = c.roundTrip(ctx, &party.RemoteAccess[0], http.MethodPost, credURL,
		c.registrar.OurCredentials(ourToken.Token), &theirCreds)
	if err != nil {
		return nil, err
	}

	updated, err := c.registrar.FinalizeHandshake(ctx, registrationID, theirCreds, endpoints)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"registrationID": registrationID,
		"party":          updated.Identity().String(),
		"version":        endpoints.Version,
	}).Info("Completed outbound registration handshake")
	return updated, nil
}

// Send delivers one envelope to the counter-party: PUT for an upsert,
// DELETE for a tombstone. Implements the pusher's Sender.
func (c *Client) Send(ctx context.Context, party *ocpi.RemoteParty, env *ocpi.Envelope) error {
	access, endpoint, err := c.resolve(party, env.Module)
	if err != nil {
		return err
	}
	target := joinURL(endpoint, env.ID)
	if env.Deleted {
		return c.roundTrip(ctx, access, http.MethodDelete, target, nil, nil)
	}
	return c.roundTrip(ctx, access, http.MethodPut, target, json.RawMessage(env.Payload), nil)
}

// PullPage fetches one page of a module from the counter-party.
// pageURL overrides the module endpoint when following a Link header,
// so a resumed pull continues exactly where the previous one stopped.
func (c *Client) PullPage(ctx context.Context, party *ocpi.RemoteParty, module ocpi.ModuleID, since *time.Time, pageURL string) ([]json.RawMessage, string, error) {
	access, endpoint, err := c.resolve(party, module)
	if err != nil {
		return nil, "", err
	}
	target := pageURL
	if target == "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, "", ocpi.MalformedErr("invalid module endpoint", err)
		}
		q := u.Query()
		if since != nil {
			q.Set("date_from", since.UTC().Format(time.RFC3339))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", ocpi.MalformedErr("invalid url", err)
	}
	req.Header.Set("Authorization", "Token "+access.Token)

	resp, err := c.do(access, req)
	if err != nil {
		return nil, "", ocpi.TransportErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, "", err
	}
	var body struct {
		Data       []json.RawMessage `json:"data"`
		StatusCode int               `json:"status_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", ocpi.MalformedErr("malformed pull response", err)
	}
	if body.StatusCode != ocpi.StatusSuccess {
		return nil, "", errorFromDomainStatus(body.StatusCode)
	}
	return body.Data, nextLink(resp.Header.Get("Link")), nil
}

// Mirror pulls a module from the counter-party since the given instant
// and applies every resource through the synchronizer. Stale updates
// are reported and skipped, never retried with the same payload.
func (c *Client) Mirror(ctx context.Context, s *syncer.Synchronizer, party *ocpi.RemoteParty, module ocpi.ModuleID, since *time.Time) (int, error) {
	owner := party.Identity()
	applied := 0
	pageURL := ""
	for {
		items, next, err := c.PullPage(ctx, party, module, since, pageURL)
		if err != nil {
			return applied, err
		}
		for _, raw := range items {
			id, lastUpdated, err := resourceKey(raw)
			if err != nil {
				return applied, err
			}
			err = s.Push(ctx, &ocpi.Envelope{
				ID:          id,
				Owner:       owner,
				Module:      module,
				LastUpdated: lastUpdated,
				Payload:     raw,
			})
			if err != nil {
				if ocpi.KindOf(err) == ocpi.KindStaleUpdate {
					logrus.WithFields(logrus.Fields{
						"module": module,
						"id":     id,
					}).Warn("Skipping stale resource from pull")
					continue
				}
				return applied, err
			}
			applied++
		}
		if next == "" {
			return applied, nil
		}
		pageURL = next
	}
}

func (c *Client) resolve(party *ocpi.RemoteParty, module ocpi.ModuleID) (*ocpi.RemoteAccessInfo, string, error) {
	if len(party.RemoteAccess) == 0 {
		return nil, "", ocpi.NotAllowedErr("party has no remote access record")
	}
	access := &party.RemoteAccess[0]
	endpoint := access.Endpoints.URLFor(module)
	if endpoint == "" {
		return nil, "", ocpi.NotAllowedErr(fmt.Sprintf("no negotiated endpoint for %s", module))
	}
	return access, endpoint, nil
}

// roundTrip sends a JSON request and decodes the wrapped response into
// out (when non-nil). Both the HTTP status and the domain status code
// are checked; success is never inferred from HTTP 2xx alone.
func (c *Client) roundTrip(ctx context.Context, access *ocpi.RemoteAccessInfo, method, target string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return ocpi.MalformedErr("invalid url", err)
	}
	req.Header.Set("Authorization", "Token "+access.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(access, req)
	if err != nil {
		return ocpi.TransportErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	var wrapped struct {
		Data          json.RawMessage `json:"data"`
		StatusCode    int             `json:"status_code"`
		StatusMessage string          `json:"status_message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return ocpi.MalformedErr("malformed response body", err)
	}
	if wrapped.StatusCode != ocpi.StatusSuccess {
		return errorFromDomainStatus(wrapped.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(wrapped.Data, out); err != nil {
			return ocpi.MalformedErr("malformed response data", err)
		}
	}
	return nil
}

func (c *Client) do(access *ocpi.RemoteAccessInfo, req *http.Request) (*http.Response, error) {
	hc := c.http
	if access.RequestTimeout > 0 {
		clone := *c.http
		clone.Timeout = access.RequestTimeout
		hc = &clone
	}
	return hc.Do(req)
}

// classifyStatus maps transport-level HTTP failures. 5xx is retryable,
// 4xx carries a protocol meaning.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 500:
		return ocpi.TransportErr(fmt.Errorf("peer returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return ocpi.AuthErr(ocpi.AuthUnknown)
	case resp.StatusCode == http.StatusForbidden:
		return ocpi.AuthErr(ocpi.AuthBlocked)
	case resp.StatusCode == http.StatusConflict:
		return ocpi.StaleErr("peer rejected update as stale")
	case resp.StatusCode >= 400:
		return ocpi.MalformedErr(fmt.Sprintf("peer returned %d", resp.StatusCode), nil)
	}
	return nil
}

// errorFromDomainStatus reverses the domain status mapping for errors
// a peer reports inside an HTTP 200.
func errorFromDomainStatus(code int) error {
	switch code {
	case ocpi.StatusStaleUpdate:
		return ocpi.StaleErr("peer rejected update as stale")
	case ocpi.StatusRegConflict:
		return ocpi.ConflictErr("peer rejected credentials as stale")
	case ocpi.StatusNoCommonVersion:
		return ocpi.NoCommonVersionErr("peer reports no common version")
	case ocpi.StatusTokenUnknown, ocpi.StatusTokenExpired, ocpi.StatusTokenNotYetValid, ocpi.StatusTokenBlocked:
		return ocpi.AuthErr(ocpi.AuthUnknown)
	case ocpi.StatusServerError, ocpi.StatusUnableToUseAPI:
		return ocpi.TransportErr(fmt.Errorf("peer domain status %d", code))
	}
	return ocpi.MalformedErr(fmt.Sprintf("peer domain status %d", code), nil)
}

func resourceKey(raw json.RawMessage) (string, time.Time, error) {
	var probe struct {
		ID          string     `json:"id"`
		UID         string     `json:"uid"`
		LastUpdated *time.Time `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", time.Time{}, ocpi.MalformedErr("resource is not valid JSON", err)
	}
	id := probe.ID
	if id == "" {
		id = probe.UID
	}
	if id == "" || probe.LastUpdated == nil {
		return "", time.Time{}, ocpi.MalformedErr("resource missing id or last_updated", nil)
	}
	return id, probe.LastUpdated.UTC(), nil
}

// nextLink extracts the rel="next" target from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

func joinURL(base, id string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(id)
}
