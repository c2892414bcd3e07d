package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
)

// sendData writes a success envelope.
func sendData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ocpi.Response{
		Data:          data,
		StatusCode:    ocpi.StatusSuccess,
		StatusMessage: "Success",
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// sendError writes an error envelope carrying both the HTTP status and
// the domain status code for the error kind. Kinds are never collapsed
// into a generic failure.
func sendError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ocpi.HTTPStatus(err))
	if encErr := json.NewEncoder(w).Encode(ocpi.Response{
		StatusCode:    ocpi.DomainStatus(err),
		StatusMessage: err.Error(),
		Timestamp:     time.Now().UTC(),
	}); encErr != nil {
		logrus.WithError(encErr).Error("Failed to encode error response")
	}
}

// GetVersions lists the protocol versions this system supports.
func (a *API) GetVersions(w http.ResponseWriter, r *http.Request) {
	entries := make([]ocpi.VersionEntry, 0, len(ocpi.SupportedVersions))
	for _, v := range ocpi.SupportedVersions {
		entries = append(entries, ocpi.VersionEntry{
			Version: v,
			URL:     fmt.Sprintf("%s/ocpi/%s", a.baseURL, v),
		})
	}
	sendData(w, entries)
}

// GetVersionDetails serves the endpoint map for one version.
func (a *API) GetVersionDetails(w http.ResponseWriter, r *http.Request) {
	version, err := ocpi.ParseVersion(chi.URLParam(r, "version"))
	if err != nil {
		sendError(w, ocpi.NotFoundErr(err.Error()))
		return
	}
	endpoints := []ocpi.Endpoint{{
		Identifier: ocpi.ModuleCredentials,
		URL:        fmt.Sprintf("%s/ocpi/%s/credentials", a.baseURL, version),
	}}
	for _, role := range a.registrar.Local().Roles {
		for _, module := range ocpi.SyncModules {
			endpoints = append(endpoints, ocpi.Endpoint{
				Identifier: module,
				Role:       string(role.Role),
				URL:        fmt.Sprintf("%s/ocpi/%s/%s/%s", a.baseURL, version, role.Role, module),
			})
		}
	}
	sendData(w, ocpi.VersionDetails{Version: version, Endpoints: endpoints})
}

// GetCredentials serves GET /credentials.
func (a *API) GetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := a.registrar.HandleCredentialsGet(r.Context(), partyFrom(r.Context()))
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, creds)
}

// PostCredentials serves POST and PUT /credentials: the registration
// handshake or a credentials update.
func (a *API) PostCredentials(w http.ResponseWriter, r *http.Request) {
	var req ocpi.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, ocpi.MalformedErr("invalid credentials body", err))
		return
	}
	creds, err := a.registrar.HandleCredentialsUpdate(r.Context(), partyFrom(r.Context()), req)
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, creds)
}

// DeleteCredentials serves DELETE /credentials: the counter-party
// unregisters.
func (a *API) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := a.registrar.HandleCredentialsDelete(r.Context(), partyFrom(r.Context())); err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}

func parseModule(r *http.Request) (ocpi.ModuleID, error) {
	if _, err := ocpi.ParseVersion(chi.URLParam(r, "version")); err != nil {
		return "", ocpi.NotFoundErr(err.Error())
	}
	if _, err := ocpi.ParseRole(chi.URLParam(r, "role")); err != nil {
		return "", ocpi.NotFoundErr(err.Error())
	}
	module, err := ocpi.ParseSyncModule(chi.URLParam(r, "module"))
	if err != nil {
		return "", ocpi.NotFoundErr(err.Error())
	}
	return module, nil
}

// PullResources serves the paginated list interface over data this
// system owns. Pages are stable under concurrent pushes: ordering is
// (last_updated, id) and the Link header carries a keyset cursor.
func (a *API) PullResources(w http.ResponseWriter, r *http.Request) {
	module, err := parseModule(r)
	if err != nil {
		sendError(w, err)
		return
	}
	q := syncer.PullQuery{Cursor: r.URL.Query().Get("cursor"), ExcludeDeleted: true}
	if v := r.URL.Query().Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(w, ocpi.MalformedErr("invalid date_from", err))
			return
		}
		q.From = &t
	}
	if v := r.URL.Query().Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(w, ocpi.MalformedErr("invalid date_to", err))
			return
		}
		q.To = &t
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, ocpi.MalformedErr("invalid offset", err))
			return
		}
		q.Offset = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, ocpi.MalformedErr("invalid limit", err))
			return
		}
		q.Limit = n
	}

	page, err := a.sync.Pull(r.Context(), a.localIdentity(), module, q)
	if err != nil {
		sendError(w, err)
		return
	}

	items := make([]json.RawMessage, 0, len(page.Envelopes))
	for _, env := range page.Envelopes {
		items = append(items, env.Payload)
	}

	w.Header().Set("X-Limit", strconv.Itoa(page.Limit))
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))
	if page.NextCursor != "" {
		next := *r.URL
		values := next.Query()
		values.Del("offset")
		values.Set("cursor", page.NextCursor)
		next.RawQuery = values.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, a.baseURL, next.RequestURI()))
	}
	sendData(w, items)
}

// GetResource serves one object the caller previously pushed.
func (a *API) GetResource(w http.ResponseWriter, r *http.Request) {
	module, err := parseModule(r)
	if err != nil {
		sendError(w, err)
		return
	}
	caller := partyFrom(r.Context())
	env, err := a.sync.Get(r.Context(), caller.Identity(), module, chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	if env.Deleted {
		sendError(w, ocpi.NotFoundErr("resource deleted"))
		return
	}
	sendData(w, json.RawMessage(env.Payload))
}

// PutResource serves PUT: replace-whole push of a caller-owned object.
func (a *API) PutResource(w http.ResponseWriter, r *http.Request) {
	module, err := parseModule(r)
	if err != nil {
		sendError(w, err)
		return
	}
	caller := partyFrom(r.Context())
	id := chi.URLParam(r, "id")

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		sendError(w, ocpi.MalformedErr("invalid body", err))
		return
	}
	if err := checkPayloadID(payload, id); err != nil {
		sendError(w, err)
		return
	}
	lastUpdated, err := syncer.ExtractLastUpdated(payload)
	if err != nil {
		sendError(w, err)
		return
	}
	err = a.sync.Push(r.Context(), &ocpi.Envelope{
		ID:          id,
		Owner:       caller.Identity(),
		Module:      module,
		LastUpdated: lastUpdated,
		Payload:     payload,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}

// PatchResource serves PATCH: field merge, delegated to the module
// codec; ordering is still decided by the synchronizer.
func (a *API) PatchResource(w http.ResponseWriter, r *http.Request) {
	module, err := parseModule(r)
	if err != nil {
		sendError(w, err)
		return
	}
	caller := partyFrom(r.Context())
	var patch json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		sendError(w, ocpi.MalformedErr("invalid body", err))
		return
	}
	if err := a.sync.Patch(r.Context(), caller.Identity(), module, chi.URLParam(r, "id"), patch); err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}

// DeleteResource serves DELETE: a tombstone following the same
// ordering rule as pushes.
func (a *API) DeleteResource(w http.ResponseWriter, r *http.Request) {
	module, err := parseModule(r)
	if err != nil {
		sendError(w, err)
		return
	}
	caller := partyFrom(r.Context())
	if err := a.sync.Delete(r.Context(), caller.Identity(), module, chi.URLParam(r, "id"), time.Now().UTC()); err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}

// checkPayloadID rejects a push whose payload identifies a different
// object than the URL.
func checkPayloadID(payload json.RawMessage, id string) error {
	var probe struct {
		ID  string `json:"id"`
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ocpi.MalformedErr("payload is not an object", err)
	}
	payloadID := probe.ID
	if payloadID == "" {
		payloadID = probe.UID
	}
	if payloadID != "" && payloadID != id {
		return ocpi.MalformedErr(fmt.Sprintf("payload id %q does not match url id %q", payloadID, id), nil)
	}
	return nil
}

func (a *API) localIdentity() ocpi.PartyID {
	roles := a.registrar.Local().Roles
	if len(roles) == 0 {
		return ocpi.PartyID{}
	}
	return roles[0].PartyID
}
