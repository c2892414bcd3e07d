// Package api wires the OCPI and administrative HTTP surfaces.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/balu-dk/go-ocpi/internal/client"
	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/metrics"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
	"github.com/balu-dk/go-ocpi/internal/tokens"
)

// Deps carries everything the API serves. All services are constructed
// at startup and injected; handlers hold no ambient state.
type Deps struct {
	Store     db.Store
	Registry  *tokens.Registry
	Registrar *credentials.Registrar
	Sync      *syncer.Synchronizer
	Pusher    *syncer.Pusher
	Client    *client.Client
	Metrics   *metrics.Metrics

	// BaseURL is this system's public base, e.g. "https://ocpi.example.com".
	BaseURL string
	// AdminSecret signs admin JWTs.
	AdminSecret string
	// OpenVersions allows unauthenticated version discovery,
	// rate-limited per client IP.
	OpenVersions bool
}

// API handles the HTTP server.
type API struct {
	router      chi.Router
	store       db.Store
	registry    *tokens.Registry
	registrar   *credentials.Registrar
	sync        *syncer.Synchronizer
	pusher      *syncer.Pusher
	client      *client.Client
	metrics     *metrics.Metrics
	baseURL     string
	adminSecret string
}

// NewAPI creates the HTTP API.
func NewAPI(deps Deps) *API {
	a := &API{
		store:       deps.Store,
		registry:    deps.Registry,
		registrar:   deps.Registrar,
		sync:        deps.Sync,
		pusher:      deps.Pusher,
		client:      deps.Client,
		metrics:     deps.Metrics,
		baseURL:     deps.BaseURL,
		adminSecret: deps.AdminSecret,
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Link", "X-Limit", "X-Total-Count"},
		MaxAge:         300,
	}))

	router.Route("/ocpi", func(r chi.Router) {
		versionsHandler := http.Handler(http.HandlerFunc(a.timed("versions", a.GetVersions)))
		if deps.OpenVersions {
			versionsHandler = ipRateLimit(versionsHandler, 5, 10)
		} else {
			versionsHandler = a.tokenAuth(versionsHandler)
		}
		r.Method(http.MethodGet, "/versions", versionsHandler)

		r.Group(func(r chi.Router) {
			r.Use(a.tokenAuth)
			r.Get("/{version}", a.timed("version_details", a.GetVersionDetails))

			r.Route("/{version}/credentials", func(r chi.Router) {
				r.Get("/", a.timed("credentials", a.GetCredentials))
				r.Post("/", a.timed("credentials", a.PostCredentials))
				r.Put("/", a.timed("credentials", a.PostCredentials))
				r.Delete("/", a.timed("credentials", a.DeleteCredentials))
			})

			r.Route("/{version}/{role}/{module}", func(r chi.Router) {
				r.Get("/", a.timed("pull", a.PullResources))
				r.Get("/{id}", a.timed("resource", a.GetResource))
				r.Put("/{id}", a.timed("resource", a.PutResource))
				r.Patch("/{id}", a.timed("resource", a.PatchResource))
				r.Delete("/{id}", a.timed("resource", a.DeleteResource))
			})
		})
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(a.adminAuth)
		r.Get("/parties", a.AdminListParties)
		r.Post("/parties", a.AdminBeginLocalRegistration)
		r.Post("/parties/remote", a.AdminBeginRemoteRegistration)
		r.Get("/parties/{id}", a.AdminGetParty)
		r.Post("/parties/{id}/handshake", a.AdminHandshake)
		r.Post("/parties/{id}/rotate", a.AdminRotateToken)
		r.Post("/parties/{id}/suspend", a.AdminSuspendParty)
		r.Post("/parties/{id}/resume", a.AdminResumeParty)
		r.Delete("/parties/{id}", a.AdminDeleteParty)
		r.Get("/queue", a.AdminListDeadLetters)
		r.Post("/queue/{id}/replay", a.AdminReplayDeadLetter)
	})

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.router = router
	return a
}

// ServeHTTP satisfies the http.Handler interface.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
