// Package api exposes the vault services over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/httpx"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/claim"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/cosign"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/idempotency"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"

	"github.com/go-chi/chi/v5"
)

// Verifier checks a ledger reference.
type Verifier interface {
	Verify(ctx context.Context, txid string) anchor.Verification
}

type Deps struct {
	Identities  *identity.Service
	Envelopes   *envelope.Service
	Cosign      *cosign.Service
	Claims      *claim.Service
	Access      *access.Service
	Anchors     Verifier
	Idempotency idempotency.Store
	Log         logging.Logger

	// AttestorKeys authenticate verification providers on the attestor
	// route. With none configured the route refuses every call.
	AttestorKeys []string
}

type Server struct {
	Deps
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logging.Nop()
	}
	return &Server{Deps: d}
}

// Routes builds the router. Capability-token routes (/sign, /verify, claim
// previews) need no session; everything under /v1 except identity creation
// and public strength reads requires a bearer credential. The attestor
// route takes an attestor key in place of an identity credential.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Get("/sign/{token}", s.signingView)
	r.Post("/sign/{token}", s.sign)
	r.Get("/verify/{id}", s.verifyEnvelope)
	r.Get("/claim/{token}", s.peekClaim)
	r.With(s.authenticate).Post("/claim/{token}", s.useClaim)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/identities", s.createIdentity)
		api.Get("/identities/{handle}/strength", s.publicStrength)
		api.Get("/anchors/{txid}", s.verifyAnchor)
		api.With(s.attestorOnly).Post("/identities/{handle}/strands", s.addAttestedStrand)

		api.Group(func(authed chi.Router) {
			authed.Use(s.authenticate)

			authed.Get("/me", s.me)
			authed.Get("/me/strength", s.myStrength)
			authed.Get("/me/strands", s.myStrands)
			authed.Post("/me/strands", s.addSelfStrand)
			authed.Post("/me/providers", s.linkProvider)
			authed.Post("/me/self-attestation", s.selfAttest)
			authed.Post("/me/ip-threads", s.addIPThread)
			authed.Get("/me/grants", s.myGrants)

			authed.Post("/envelopes", s.createEnvelope)
			authed.Get("/envelopes", s.listEnvelopes)
			authed.Get("/envelopes/{id}", s.getEnvelope)

			authed.Post("/cosign-requests", s.requestCoSign)
			authed.Post("/cosign-requests/{id}/respond", s.respondCoSign)
			authed.Post("/peer-attestations", s.requestPeerAttestation)
			authed.Post("/peer-attestations/{id}/respond", s.respondPeerAttestation)
			authed.Get("/requests", s.listRequests)
			authed.Get("/requests/{id}", s.getRequest)
			authed.Post("/requests/{id}/dismiss", s.dismissRequest)

			authed.Post("/claims", s.createClaim)
			authed.Get("/claims", s.listClaims)
		})
	})
	return r
}

type ctxKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := httpx.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteAppError(w, identity.ErrUnauthenticated)
			return
		}
		idn, err := s.Identities.Authenticate(r.Context(), tok)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, idn)))
	})
}

func (s *Server) attestorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := httpx.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteAppError(w, identity.ErrUnauthenticated)
			return
		}
		for _, key := range s.AttestorKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(key)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpx.WriteAppError(w, identity.ErrAttestorRequired)
	})
}

func caller(r *http.Request) identity.Identity {
	idn, _ := r.Context().Value(ctxKey{}).(identity.Identity)
	return idn
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.Debug("http: %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// fail writes err and logs anything outside the error taxonomy.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := httpx.AppErrorBody(err)
	if status >= http.StatusInternalServerError {
		s.Log.Error("http: %s %s: %v", r.Method, r.URL.Path, err)
	}
	httpx.WriteJSON(w, status, body)
}

func badJSON(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
}

func respond(w http.ResponseWriter, status int, key string, v any) {
	httpx.WriteJSON(w, status, map[string]any{"request_id": httpx.NewRequestID(), key: v})
}
