package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
	"github.com/balu-dk/go-ocpi/internal/tokens"
	"github.com/balu-dk/go-ocpi/internal/versions"
)

const testAdminSecret = "test-admin-secret"

type fixture struct {
	api       *API
	store     db.Store
	registry  *tokens.Registry
	registrar *credentials.Registrar
	sync      *syncer.Synchronizer
}

func newFixture(t *testing.T, openVersions bool) *fixture {
	t.Helper()
	store := db.NewMemoryStore()
	registry := tokens.NewRegistry(store, time.Minute)
	neg := versions.NewNegotiator(nil, nil)
	registrar := credentials.NewRegistrar(store, registry, neg, credentials.LocalParty{
		Roles: []ocpi.CredentialsRole{{
			Role:            ocpi.RoleCPO,
			PartyID:         ocpi.PartyID{CountryCode: "DE", PartyCode: "CPO"},
			BusinessDetails: ocpi.BusinessDetails{Name: "Test CPO"},
		}},
		VersionsURL: "http://hub.test/ocpi/versions",
	})
	s := syncer.NewSynchronizer(store, nil)

	api := NewAPI(Deps{
		Store:        store,
		Registry:     registry,
		Registrar:    registrar,
		Sync:         s,
		BaseURL:      "http://hub.test",
		AdminSecret:  testAdminSecret,
		OpenVersions: openVersions,
	})
	return &fixture{api: api, store: store, registry: registry, registrar: registrar, sync: s}
}

// registerCaller creates an authenticated counter-party and returns
// its bearer token.
func (f *fixture) registerCaller(t *testing.T) string {
	t.Helper()
	_, info, err := f.registrar.BeginLocalRegistration(context.Background(), []ocpi.CredentialsRole{{
		Role:            ocpi.RoleEMSP,
		PartyID:         ocpi.PartyID{CountryCode: "NL", PartyCode: "EMS"},
		BusinessDetails: ocpi.BusinessDetails{Name: "Test EMSP"},
	}}, tokens.IssueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return info.Token
}

func doRequest(api *API, method, target, token string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) (json.RawMessage, int) {
	t.Helper()
	var resp struct {
		Data       json.RawMessage `json:"data"`
		StatusCode int             `json:"status_code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not a wire envelope: %v: %s", err, rr.Body.String())
	}
	return resp.Data, resp.StatusCode
}

func TestVersionsOpenDiscovery(t *testing.T) {
	f := newFixture(t, true)

	rr := doRequest(f.api, http.MethodGet, "/ocpi/versions", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	data, code := decodeEnvelope(t, rr)
	if code != ocpi.StatusSuccess {
		t.Errorf("domain status: %d", code)
	}
	var entries []ocpi.VersionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(ocpi.SupportedVersions) {
		t.Errorf("entries: %d", len(entries))
	}
}

func TestVersionsRequiresTokenWhenClosed(t *testing.T) {
	f := newFixture(t, false)

	rr := doRequest(f.api, http.MethodGet, "/ocpi/versions", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rr.Code)
	}
	_, code := decodeEnvelope(t, rr)
	if code != ocpi.StatusTokenUnknown {
		t.Errorf("domain status: got %d want %d", code, ocpi.StatusTokenUnknown)
	}

	token := f.registerCaller(t)
	rr = doRequest(f.api, http.MethodGet, "/ocpi/versions", token, "")
	if rr.Code != http.StatusOK {
		t.Errorf("with token: %d", rr.Code)
	}
}

func TestAuthFailureStatusesStayDistinct(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)

	// Blocked: revoke everything for the party.
	party, err := f.registry.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.registry.RevokeAll(context.Background(), party.RegistrationID); err != nil {
		t.Fatal(err)
	}

	rr := doRequest(f.api, http.MethodGet, "/ocpi/versions", token, "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("blocked http status: %d", rr.Code)
	}
	_, code := decodeEnvelope(t, rr)
	if code != ocpi.StatusTokenBlocked {
		t.Errorf("blocked domain status: %d", code)
	}

	rr = doRequest(f.api, http.MethodGet, "/ocpi/versions", "bogus", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unknown http status: %d", rr.Code)
	}
	_, code = decodeEnvelope(t, rr)
	if code != ocpi.StatusTokenUnknown {
		t.Errorf("unknown domain status: %d", code)
	}
}

func TestSuspendedPartyIsNotServed(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rr := doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base, "one"))
	if rr.Code != http.StatusOK {
		t.Fatalf("put before suspend: %d: %s", rr.Code, rr.Body.String())
	}

	party, err := f.store.FindPartyByIdentity(context.Background(), ocpi.PartyID{CountryCode: "NL", PartyCode: "EMS"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateParty(context.Background(), f.store, party.RegistrationID, func(p *ocpi.RemoteParty) error {
		p.Status = ocpi.PartyEnabled
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registrar.Suspend(context.Background(), party.RegistrationID); err != nil {
		t.Fatal(err)
	}

	rr = doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base.Add(time.Minute), "two"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("suspended push http status: %d: %s", rr.Code, rr.Body.String())
	}
	_, code := decodeEnvelope(t, rr)
	if code != ocpi.StatusTokenBlocked {
		t.Errorf("suspended push domain status: %d", code)
	}
	if rr := doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/credentials", token, ""); rr.Code != http.StatusForbidden {
		t.Errorf("suspended credentials status: %d", rr.Code)
	}

	// Resume restores service.
	if _, err := f.registrar.Resume(context.Background(), party.RegistrationID); err != nil {
		t.Fatal(err)
	}
	rr = doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base.Add(time.Minute), "two"))
	if rr.Code != http.StatusOK {
		t.Errorf("resumed put: %d: %s", rr.Code, rr.Body.String())
	}
}

func TestVersionDetailsListsEndpoints(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)

	rr := doRequest(f.api, http.MethodGet, "/ocpi/2.2.1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d: %s", rr.Code, rr.Body.String())
	}
	data, _ := decodeEnvelope(t, rr)
	var details ocpi.VersionDetails
	if err := json.Unmarshal(data, &details); err != nil {
		t.Fatal(err)
	}
	if details.Version != ocpi.V2_2_1 {
		t.Errorf("version: %s", details.Version)
	}
	hasCredentials := false
	for _, ep := range details.Endpoints {
		if ep.Identifier == ocpi.ModuleCredentials {
			hasCredentials = true
		}
	}
	if !hasCredentials {
		t.Error("credentials endpoint missing from version details")
	}

	rr = doRequest(f.api, http.MethodGet, "/ocpi/9.9", token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown version: %d", rr.Code)
	}
}

func locationBody(id string, at time.Time, name string) string {
	return fmt.Sprintf(`{"id":%q,"name":%q,"last_updated":%q}`, id, name, at.Format(time.RFC3339))
}

func TestPutGetDeleteResource(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rr := doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base, "one"))
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/cpo/locations/LOC1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	data, _ := decodeEnvelope(t, rr)
	var loc struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(data, &loc)
	if loc.Name != "one" {
		t.Errorf("payload: %s", data)
	}

	rr = doRequest(f.api, http.MethodDelete, "/ocpi/2.2.1/cpo/locations/LOC1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr = doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/cpo/locations/LOC1", token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rr.Code)
	}
}

func TestPutResourceIDMismatch(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rr := doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("OTHER", base, "x"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("mismatched id: %d", rr.Code)
	}
}

func TestPutStaleResourceConflicts(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rr := doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base.Add(time.Minute), "newer"))
	if rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}
	rr = doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base, "older"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale put http status: %d", rr.Code)
	}
	_, code := decodeEnvelope(t, rr)
	if code != ocpi.StatusStaleUpdate {
		t.Errorf("stale put domain status: %d", code)
	}
}

func TestPatchResource(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rr := doRequest(f.api, http.MethodPut, "/ocpi/2.2.1/cpo/locations/LOC1", token, locationBody("LOC1", base, "one"))
	if rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}
	patch := fmt.Sprintf(`{"name":"patched","last_updated":%q}`, base.Add(time.Minute).Format(time.RFC3339))
	rr = doRequest(f.api, http.MethodPatch, "/ocpi/2.2.1/cpo/locations/LOC1", token, patch)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/cpo/locations/LOC1", token, "")
	data, _ := decodeEnvelope(t, rr)
	var loc struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	_ = json.Unmarshal(data, &loc)
	if loc.ID != "LOC1" || loc.Name != "patched" {
		t.Errorf("after patch: %s", data)
	}
}

func TestPullListPaginationHeaders(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// The list serves locally owned data.
	local := ocpi.PartyID{CountryCode: "DE", PartyCode: "CPO"}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("LOC%d", i)
		at := base.Add(time.Duration(i) * time.Minute)
		err := f.sync.Push(context.Background(), &ocpi.Envelope{
			ID:          id,
			Owner:       local,
			Module:      ocpi.ModuleLocations,
			LastUpdated: at,
			Payload:     json.RawMessage(locationBody(id, at, id)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A tombstone drops out of both the data and the total, so the
	// headers stay consistent with the payload.
	if err := f.sync.Delete(context.Background(), local, ocpi.ModuleLocations, "LOC1", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	rr := doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/cpo/locations?limit=2", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Total-Count"); got != "2" {
		t.Errorf("X-Total-Count: %s", got)
	}
	if got := rr.Header().Get("X-Limit"); got != "2" {
		t.Errorf("X-Limit: %s", got)
	}
	link := rr.Header().Get("Link")
	if link == "" || !strings.Contains(link, "cursor=") || !strings.Contains(link, `rel="next"`) {
		t.Fatalf("Link header: %q", link)
	}

	data, _ := decodeEnvelope(t, rr)
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("first page items: %d", len(items))
	}

	// Follow the Link to the second page.
	next := link[strings.Index(link, "<")+1 : strings.Index(link, ">")]
	next = strings.TrimPrefix(next, "http://hub.test")
	rr = doRequest(f.api, http.MethodGet, next, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("second page: %d", rr.Code)
	}
	data, _ = decodeEnvelope(t, rr)
	items = nil
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	// Both live locations fit on the first page; the tombstoned LOC1
	// never shows up.
	if len(items) != 0 {
		t.Fatalf("second page items: %d: %s", len(items), data)
	}
	if link := rr.Header().Get("Link"); link != "" {
		t.Errorf("second page Link: %q", link)
	}
}

func TestPullListRejectsBadParams(t *testing.T) {
	f := newFixture(t, false)
	token := f.registerCaller(t)

	for _, target := range []string{
		"/ocpi/2.2.1/cpo/locations?date_from=yesterday",
		"/ocpi/2.2.1/cpo/locations?offset=-1",
		"/ocpi/2.2.1/cpo/locations?limit=x",
	} {
		rr := doRequest(f.api, http.MethodGet, target, token, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d want 400", target, rr.Code)
		}
	}

	rr := doRequest(f.api, http.MethodGet, "/ocpi/2.2.1/cpo/nonsense", token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown module: %d", rr.Code)
	}
}

func adminJWT(t *testing.T, secret string, roles []string) string {
	t.Helper()
	claims := adminClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, false)

	req := httptest.NewRequest(http.MethodGet, "/admin/parties", nil)
	rr := httptest.NewRecorder()
	f.api.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/parties", nil)
	req.Header.Set("Authorization", "Bearer "+adminJWT(t, testAdminSecret, []string{"viewer"}))
	rr = httptest.NewRecorder()
	f.api.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("missing role: %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/parties", nil)
	req.Header.Set("Authorization", "Bearer "+adminJWT(t, "wrong-secret", []string{"admin"}))
	rr = httptest.NewRecorder()
	f.api.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: %d", rr.Code)
	}

	f.registerCaller(t)
	req = httptest.NewRequest(http.MethodGet, "/admin/parties", nil)
	req.Header.Set("Authorization", "Bearer "+adminJWT(t, testAdminSecret, []string{"admin"}))
	rr = httptest.NewRecorder()
	f.api.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin list: %d: %s", rr.Code, rr.Body.String())
	}

	// Token values never leave through the admin surface.
	if strings.Contains(rr.Body.String(), `"token":`) || strings.Contains(rr.Body.String(), "totp_secret") {
		t.Error("admin party view leaks token material")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rr := doRequest(f.api, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz: %d %q", rr.Code, rr.Body.String())
	}
}
