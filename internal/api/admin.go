package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/tokens"
)

// partyView is the administrative projection of a RemoteParty. Token
// values and TOTP seeds are redacted.
type partyView struct {
	RegistrationID string                 `json:"registration_id"`
	Identity       string                 `json:"identity,omitempty"`
	Roles          []ocpi.CredentialsRole `json:"roles"`
	Status         ocpi.PartyStatus       `json:"status"`
	LocalTokens    int                    `json:"local_tokens"`
	RemoteAccess   int                    `json:"remote_access"`
	Endpoints      ocpi.EndpointsState    `json:"endpoints_state,omitempty"`
	Created        time.Time              `json:"created"`
	LastUpdated    time.Time              `json:"last_updated"`
	ContentHash    string                 `json:"content_hash"`
}

func viewOf(p *ocpi.RemoteParty) partyView {
	v := partyView{
		RegistrationID: p.RegistrationID,
		Roles:          p.Roles,
		Status:         p.Status,
		LocalTokens:    len(p.LocalTokens),
		RemoteAccess:   len(p.RemoteAccess),
		Created:        p.Created,
		LastUpdated:    p.LastUpdated,
		ContentHash:    p.Hash(),
	}
	if !p.Identity().IsZero() {
		v.Identity = p.Identity().String()
	}
	if len(p.RemoteAccess) > 0 {
		v.Endpoints = p.RemoteAccess[0].Endpoints.State
	}
	return v
}

// AdminListParties lists every known counter-party.
func (a *API) AdminListParties(w http.ResponseWriter, r *http.Request) {
	parties, err := a.store.ListParties(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	views := make([]partyView, 0, len(parties))
	for _, p := range parties {
		views = append(views, viewOf(p))
	}
	sendData(w, views)
}

// AdminGetParty returns one party.
func (a *API) AdminGetParty(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetParty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, ocpi.NotFoundErr("party not found"))
		return
	}
	sendData(w, viewOf(p))
}

// AdminBeginLocalRegistration creates a party we invite. The response
// carries the bootstrap token to hand over out of band; it is shown
// exactly once.
func (a *API) AdminBeginLocalRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Roles    []ocpi.CredentialsRole `json:"roles"`
		Rotating bool                   `json:"rotating,omitempty"`
		NotAfter *time.Time             `json:"not_after,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, ocpi.MalformedErr("invalid body", err))
		return
	}
	party, info, err := a.registrar.BeginLocalRegistration(r.Context(), req.Roles, tokens.IssueOptions{
		Rotating: req.Rotating,
		NotAfter: req.NotAfter,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, map[string]interface{}{
		"party":       viewOf(party),
		"token":       info.Token,
		"totp_secret": info.TOTPSecret,
	})
}

// AdminBeginRemoteRegistration registers against a party that invited
// us, optionally running the outbound handshake immediately.
func (a *API) AdminBeginRemoteRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VersionsURL string `json:"versions_url"`
		Token       string `json:"token"`
		Handshake   bool   `json:"handshake"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, ocpi.MalformedErr("invalid body", err))
		return
	}
	party, err := a.registrar.BeginRemoteRegistration(r.Context(), req.VersionsURL, req.Token)
	if err != nil {
		sendError(w, err)
		return
	}
	if req.Handshake {
		party, err = a.client.Handshake(r.Context(), party.RegistrationID)
		if err != nil {
			logrus.WithError(err).WithField("registrationID", party.RegistrationID).
				Error("Outbound handshake failed")
			sendError(w, err)
			return
		}
	}
	sendData(w, viewOf(party))
}

// AdminHandshake retries the outbound handshake for a pending party.
func (a *API) AdminHandshake(w http.ResponseWriter, r *http.Request) {
	party, err := a.client.Handshake(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, viewOf(party))
}

// AdminRotateToken rotates the token we issued to a party.
func (a *API) AdminRotateToken(w http.ResponseWriter, r *http.Request) {
	info, err := a.registry.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, map[string]string{"token": info.Token})
}

// AdminSuspendParty suspends an enabled party.
func (a *API) AdminSuspendParty(w http.ResponseWriter, r *http.Request) {
	party, err := a.registrar.Suspend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, viewOf(party))
}

// AdminResumeParty re-enables a suspended party.
func (a *API) AdminResumeParty(w http.ResponseWriter, r *http.Request) {
	party, err := a.registrar.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, viewOf(party))
}

// AdminDeleteParty deletes a party. Terminal; all of its tokens are
// revoked before the response is written.
func (a *API) AdminDeleteParty(w http.ResponseWriter, r *http.Request) {
	if err := a.registrar.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}

// AdminListDeadLetters lists pushes awaiting replay.
func (a *API) AdminListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.store.ListDeadLetters(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendData(w, letters)
}

// AdminReplayDeadLetter retries one queued push.
func (a *API) AdminReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := a.pusher.Replay(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendError(w, err)
		return
	}
	sendData(w, nil)
}
