package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
	"github.com/balu-dk/go-ocpi/internal/tokens"
	"github.com/balu-dk/go-ocpi/internal/versions"
)

// fakePeer is a minimal counter-party: version discovery, a
// credentials receiver and a locations list.
type fakePeer struct {
	srv *httptest.Server

	receivedCreds *ocpi.Credentials
	putBodies     []json.RawMessage
	deletes       []string

	locationsPages [][]json.RawMessage
}

func wrap(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data":        data,
		"status_code": ocpi.StatusSuccess,
		"timestamp":   time.Now().UTC(),
	}
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	p := &fakePeer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/ocpi/versions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wrap([]ocpi.VersionEntry{
			{Version: ocpi.V2_2_1, URL: p.srv.URL + "/ocpi/2.2.1"},
		}))
	})
	mux.HandleFunc("/ocpi/2.2.1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wrap(ocpi.VersionDetails{
			Version: ocpi.V2_2_1,
			Endpoints: []ocpi.Endpoint{
				{Identifier: ocpi.ModuleCredentials, URL: p.srv.URL + "/ocpi/2.2.1/credentials"},
				{Identifier: ocpi.ModuleLocations, URL: p.srv.URL + "/ocpi/2.2.1/locations"},
			},
		}))
	})
	mux.HandleFunc("/ocpi/2.2.1/credentials", func(w http.ResponseWriter, r *http.Request) {
		var creds ocpi.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.receivedCreds = &creds
		_ = json.NewEncoder(w).Encode(wrap(ocpi.Credentials{
			Token: "their-working-token",
			URL:   p.srv.URL + "/ocpi/versions",
			Roles: []ocpi.CredentialsRole{{
				Role:            ocpi.RoleEMSP,
				PartyID:         ocpi.PartyID{CountryCode: "NL", PartyCode: "EMS"},
				BusinessDetails: ocpi.BusinessDetails{Name: "Peer EMSP"},
			}},
			LastUpdated: time.Now().UTC(),
		}))
	})
	mux.HandleFunc("/ocpi/2.2.1/locations", func(w http.ResponseWriter, r *http.Request) {
		page := 0
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		if page < len(p.locationsPages)-1 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/ocpi/2.2.1/locations?page=%d>; rel="next"`, p.srv.URL, page+1))
		}
		items := []json.RawMessage{}
		if page < len(p.locationsPages) {
			items = p.locationsPages[page]
		}
		_ = json.NewEncoder(w).Encode(wrap(items))
	})
	mux.HandleFunc("/ocpi/2.2.1/locations/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var body json.RawMessage
			_ = json.NewDecoder(r.Body).Decode(&body)
			p.putBodies = append(p.putBodies, body)
		case http.MethodDelete:
			p.deletes = append(p.deletes, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(wrap(nil))
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

type clientFixture struct {
	client    *Client
	store     db.Store
	registrar *credentials.Registrar
	registry  *tokens.Registry
	sync      *syncer.Synchronizer
}

func newClientFixture(t *testing.T, peer *fakePeer) *clientFixture {
	t.Helper()
	store := db.NewMemoryStore()
	registry := tokens.NewRegistry(store, time.Minute)
	neg := versions.NewNegotiator(peer.srv.Client(), nil)
	registrar := credentials.NewRegistrar(store, registry, neg, credentials.LocalParty{
		Roles: []ocpi.CredentialsRole{{
			Role:            ocpi.RoleCPO,
			PartyID:         ocpi.PartyID{CountryCode: "DE", PartyCode: "CPO"},
			BusinessDetails: ocpi.BusinessDetails{Name: "Hub CPO"},
		}},
		VersionsURL: "http://hub.test/ocpi/versions",
	})
	return &clientFixture{
		client:    New(peer.srv.Client(), store, neg, registrar, registry),
		store:     store,
		registrar: registrar,
		registry:  registry,
		sync:      syncer.NewSynchronizer(store, nil),
	}
}

func TestHandshakeEndToEnd(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	f := newClientFixture(t, peer)

	party, err := f.registrar.BeginRemoteRegistration(ctx, peer.srv.URL+"/ocpi/versions", "bootstrap-token")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := f.client.Handshake(ctx, party.RegistrationID)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if updated.Status != ocpi.PartyEnabled {
		t.Errorf("status: got %s want ENABLED", updated.Status)
	}
	if updated.Identity() != (ocpi.PartyID{CountryCode: "NL", PartyCode: "EMS"}) {
		t.Errorf("identity: %s", updated.Identity())
	}
	if updated.RemoteAccess[0].Token != "their-working-token" {
		t.Errorf("stored token: %s", updated.RemoteAccess[0].Token)
	}
	if updated.RemoteAccess[0].Endpoints.State != ocpi.EndpointsActive {
		t.Errorf("endpoints: %s", updated.RemoteAccess[0].Endpoints.State)
	}

	// The peer received our credentials with a token it can use back.
	if peer.receivedCreds == nil {
		t.Fatal("peer never saw our credentials")
	}
	if _, err := f.registry.Authenticate(ctx, peer.receivedCreds.Token); err != nil {
		t.Errorf("token we handed to the peer does not authenticate: %v", err)
	}
}

func enabledParty(t *testing.T, f *clientFixture, peer *fakePeer) *ocpi.RemoteParty {
	t.Helper()
	ctx := context.Background()
	party, err := f.registrar.BeginRemoteRegistration(ctx, peer.srv.URL+"/ocpi/versions", "bootstrap-token")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := f.client.Handshake(ctx, party.RegistrationID)
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

func TestSendPutAndTombstone(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	f := newClientFixture(t, peer)
	party := enabledParty(t, f, peer)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(fmt.Sprintf(`{"id":"LOC1","last_updated":%q}`, at.Format(time.RFC3339)))

	err := f.client.Send(ctx, party, &ocpi.Envelope{
		ID: "LOC1", Owner: ocpi.PartyID{CountryCode: "DE", PartyCode: "CPO"},
		Module: ocpi.ModuleLocations, LastUpdated: at, Payload: payload,
	})
	if err != nil {
		t.Fatalf("send put: %v", err)
	}
	if len(peer.putBodies) != 1 {
		t.Fatalf("peer saw %d puts", len(peer.putBodies))
	}

	err = f.client.Send(ctx, party, &ocpi.Envelope{
		ID: "LOC1", Owner: ocpi.PartyID{CountryCode: "DE", PartyCode: "CPO"},
		Module: ocpi.ModuleLocations, LastUpdated: at, Deleted: true,
	})
	if err != nil {
		t.Fatalf("send delete: %v", err)
	}
	if len(peer.deletes) != 1 {
		t.Fatalf("peer saw %d deletes", len(peer.deletes))
	}
}

func TestSendWithoutNegotiatedEndpoint(t *testing.T) {
	peer := newFakePeer(t)
	f := newClientFixture(t, peer)

	party := &ocpi.RemoteParty{
		RegistrationID: "reg-x",
		Status:         ocpi.PartyEnabled,
		RemoteAccess: []ocpi.RemoteAccessInfo{{
			Token:     "t",
			Endpoints: ocpi.RemoteEndpoints{State: ocpi.EndpointsNotConfigured},
		}},
	}
	err := f.client.Send(context.Background(), party, &ocpi.Envelope{Module: ocpi.ModuleLocations})
	if ocpi.KindOf(err) != ocpi.KindNotAllowed {
		t.Errorf("unnegotiated endpoint: got %v want KindNotAllowed", err)
	}
}

func TestMirrorPullsAllPages(t *testing.T) {
	ctx := context.Background()
	peer := newFakePeer(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loc := func(id string, offset time.Duration) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"id":%q,"last_updated":%q}`,
			id, at.Add(offset).Format(time.RFC3339)))
	}
	peer.locationsPages = [][]json.RawMessage{
		{loc("LOC1", 0), loc("LOC2", time.Minute)},
		{loc("LOC3", 2*time.Minute)},
	}

	f := newClientFixture(t, peer)
	party := enabledParty(t, f, peer)

	applied, err := f.client.Mirror(ctx, f.sync, party, ocpi.ModuleLocations, nil)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if applied != 3 {
		t.Errorf("applied: got %d want 3", applied)
	}

	env, err := f.sync.Get(ctx, party.Identity(), ocpi.ModuleLocations, "LOC3")
	if err != nil {
		t.Fatalf("mirrored resource missing: %v", err)
	}
	if !env.LastUpdated.Equal(at.Add(2 * time.Minute)) {
		t.Errorf("mirrored last_updated: %s", env.LastUpdated)
	}

	// Mirroring again is a no-op stream of replays and stale skips.
	applied, err = f.client.Mirror(ctx, f.sync, party, ocpi.ModuleLocations, nil)
	if err != nil {
		t.Fatalf("second mirror: %v", err)
	}
	if applied != 3 {
		t.Errorf("second mirror applied: %d", applied)
	}
}

func TestRoundTripChecksDomainStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTP 200, domain-level stale rejection.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status_code": ocpi.StatusStaleUpdate,
		})
	}))
	defer srv.Close()

	c := New(srv.Client(), db.NewMemoryStore(), nil, nil, nil)
	access := &ocpi.RemoteAccessInfo{Token: "t"}
	err := c.roundTrip(context.Background(), access, http.MethodPut, srv.URL, json.RawMessage(`{}`), nil)
	if ocpi.KindOf(err) != ocpi.KindStaleUpdate {
		t.Errorf("domain stale inside 200: got %v want KindStaleUpdate", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		kind ocpi.ErrorKind
	}{
		{http.StatusBadGateway, ocpi.KindTransport},
		{http.StatusUnauthorized, ocpi.KindAuth},
		{http.StatusForbidden, ocpi.KindAuth},
		{http.StatusConflict, ocpi.KindStaleUpdate},
		{http.StatusBadRequest, ocpi.KindMalformedPayload},
	}
	for _, tc := range cases {
		err := classifyStatus(&http.Response{StatusCode: tc.code})
		if ocpi.KindOf(err) != tc.kind {
			t.Errorf("status %d: got %v want kind %d", tc.code, err, tc.kind)
		}
	}
	if err := classifyStatus(&http.Response{StatusCode: http.StatusOK}); err != nil {
		t.Errorf("200: %v", err)
	}
}

func TestNextLink(t *testing.T) {
	link := `<https://peer.test/locations?page=2>; rel="next"`
	if got := nextLink(link); got != "https://peer.test/locations?page=2" {
		t.Errorf("nextLink: %q", got)
	}
	multi := `<https://peer.test/a>; rel="prev", <https://peer.test/b>; rel="next"`
	if got := nextLink(multi); got != "https://peer.test/b" {
		t.Errorf("nextLink multi: %q", got)
	}
	if got := nextLink(""); got != "" {
		t.Errorf("nextLink empty: %q", got)
	}
}
