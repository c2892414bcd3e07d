package versions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

func TestSelectVersionHighestCommon(t *testing.T) {
	local := []ocpi.Version{ocpi.V2_1_1, ocpi.V2_2, ocpi.V2_2_1}

	got, err := SelectVersion(local, []ocpi.Version{ocpi.V2_1_1, ocpi.V2_2})
	if err != nil {
		t.Fatal(err)
	}
	if got != ocpi.V2_2 {
		t.Errorf("selected %s want %s", got, ocpi.V2_2)
	}

	got, err = SelectVersion(local, []ocpi.Version{ocpi.V2_2_1})
	if err != nil {
		t.Fatal(err)
	}
	if got != ocpi.V2_2_1 {
		t.Errorf("selected %s want %s", got, ocpi.V2_2_1)
	}
}

func TestSelectVersionNoOverlap(t *testing.T) {
	_, err := SelectVersion([]ocpi.Version{ocpi.V2_2_1}, []ocpi.Version{ocpi.V2_1_1})
	if ocpi.KindOf(err) != ocpi.KindNoCommonVersion {
		t.Errorf("disjoint sets: got %v want KindNoCommonVersion", err)
	}
}

// peer serves a minimal counter-party: a versions index and one
// version's endpoint map.
func peer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/ocpi/versions", func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Token "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []ocpi.VersionEntry{
				{Version: ocpi.V2_1_1, URL: srv.URL + "/ocpi/2.1.1"},
				{Version: ocpi.V2_2_1, URL: srv.URL + "/ocpi/2.2.1"},
			},
			"status_code": ocpi.StatusSuccess,
		})
	})
	mux.HandleFunc("/ocpi/2.2.1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": ocpi.VersionDetails{
				Version: ocpi.V2_2_1,
				Endpoints: []ocpi.Endpoint{
					{Identifier: ocpi.ModuleCredentials, URL: srv.URL + "/ocpi/2.2.1/credentials"},
					{Identifier: ocpi.ModuleLocations, URL: srv.URL + "/ocpi/2.2.1/locations"},
				},
			},
			"status_code": ocpi.StatusSuccess,
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNegotiateFullFlow(t *testing.T) {
	srv := peer(t, "secret")
	n := NewNegotiator(srv.Client(), []ocpi.Version{ocpi.V2_2, ocpi.V2_2_1})

	endpoints, err := n.Negotiate(context.Background(), srv.URL+"/ocpi/versions", "secret")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if endpoints.State != ocpi.EndpointsActive {
		t.Errorf("state: %s", endpoints.State)
	}
	if endpoints.Version != ocpi.V2_2_1 {
		t.Errorf("version: %s", endpoints.Version)
	}
	if endpoints.URLFor(ocpi.ModuleLocations) == "" {
		t.Error("locations endpoint missing")
	}
}

func TestDiscoverUnreachablePeerIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // peer is down

	n := NewNegotiator(nil, nil)
	_, err := n.Discover(context.Background(), srv.URL+"/ocpi/versions", "")
	if ocpi.KindOf(err) != ocpi.KindTransport {
		t.Errorf("dead peer: got %v want KindTransport", err)
	}
}

func TestDiscoverServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNegotiator(srv.Client(), nil)
	_, err := n.Discover(context.Background(), srv.URL, "")
	if ocpi.KindOf(err) != ocpi.KindTransport {
		t.Errorf("5xx: got %v want KindTransport", err)
	}
}

func TestDiscoverMalformedBody(t *testing.T) {
	cases := map[string]string{
		"not json":      `<?xml version="1.0"?>`,
		"empty list":    `{"data":[]}`,
		"missing url":   `{"data":[{"version":"2.2.1"}]}`,
		"missing field": `{"data":[{"url":"http://x"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			n := NewNegotiator(srv.Client(), nil)
			_, err := n.Discover(context.Background(), srv.URL, "")
			if ocpi.KindOf(err) != ocpi.KindMalformedPayload {
				t.Errorf("got %v want KindMalformedPayload", err)
			}
		})
	}
}

func TestNegotiateNoCommonVersion(t *testing.T) {
	srv := peer(t, "")
	n := NewNegotiator(srv.Client(), []ocpi.Version{ocpi.V2_2})

	_, err := n.Negotiate(context.Background(), srv.URL+"/ocpi/versions", "")
	if ocpi.KindOf(err) != ocpi.KindNoCommonVersion {
		t.Errorf("got %v want KindNoCommonVersion", err)
	}
}
