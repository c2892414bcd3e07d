package ocpi

import "time"

// Domain status codes carried in every response body. These are distinct
// from the HTTP status: HTTP says whether the request was understood,
// the domain code says how the protocol operation went. Clients must
// check both.
const (
	StatusSuccess = 1000

	StatusClientError      = 2000
	StatusInvalidParams    = 2001
	StatusNotEnoughInfo    = 2002
	StatusUnknownResource  = 2003
	StatusTokenUnknown     = 2010
	StatusTokenExpired     = 2011
	StatusTokenNotYetValid = 2012
	StatusTokenBlocked     = 2013
	StatusStaleUpdate      = 2020
	StatusRegConflict      = 2021

	StatusServerError        = 3000
	StatusUnableToUseAPI     = 3001
	StatusUnsupportedVersion = 3002
	StatusNoCommonVersion    = 3003
)

// Response is the wire envelope wrapping every payload.
type Response struct {
	Data          interface{} `json:"data,omitempty"`
	StatusCode    int         `json:"status_code"`
	StatusMessage string      `json:"status_message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// VersionEntry is one element of the version discovery list.
type VersionEntry struct {
	Version Version `json:"version"`
	URL     string  `json:"url"`
}

// Endpoint is one element of the per-version endpoint map.
type Endpoint struct {
	Identifier ModuleID `json:"identifier"`
	Role       string   `json:"role,omitempty"`
	URL        string   `json:"url"`
}

// VersionDetails is the body of GET /{version}.
type VersionDetails struct {
	Version   Version    `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Credentials is the registration handshake payload: the token the
// sender issues to the receiver, the sender's versions URL and the
// roles it plays. LastUpdated orders credential updates the same way
// resource pushes are ordered.
type Credentials struct {
	Token       string            `json:"token"`
	URL         string            `json:"url"`
	Roles       []CredentialsRole `json:"roles"`
	LastUpdated time.Time         `json:"last_updated,omitempty"`
}
