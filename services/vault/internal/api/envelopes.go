package api

import (
	"net/http"

	"github.com/b0ase/bcorp-mint-sub003/pkg/httpx"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/idempotency"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"

	"github.com/go-chi/chi/v5"
)

func (s *Server) createEnvelope(w http.ResponseWriter, r *http.Request) {
	var req envelope.CreateInput
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	created, err := s.Envelopes.Create(r.Context(), caller(r).ID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"envelope":   created.Envelope,
		"links":      created.Links,
	})
}

func (s *Server) listEnvelopes(w http.ResponseWriter, r *http.Request) {
	envs, err := s.Envelopes.ListForCreator(r.Context(), caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if envs == nil {
		envs = []envelope.Envelope{}
	}
	respond(w, http.StatusOK, "envelopes", envs)
}

func (s *Server) getEnvelope(w http.ResponseWriter, r *http.Request) {
	idn := caller(r)
	env, err := s.Envelopes.Get(r.Context(), envelope.Viewer{IdentityID: idn.ID, Handle: idn.Handle}, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "envelope", env)
}

func (s *Server) signingView(w http.ResponseWriter, r *http.Request) {
	view, err := s.Envelopes.SigningView(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "signing", view)
}

// sign is reachable with nothing but the signer token, so replays are
// scoped to the token's hash.
func (s *Server) sign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")
	scope := idempotency.ScopeFromHeader(storage.HashToken(token), r.Header.Get("Idempotency-Key"))
	if s.Idempotency != nil {
		rec, found, err := idempotency.Replay(ctx, s.Idempotency, scope, "sign")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if found {
			w.Header().Set("Idempotent-Replay", "true")
			httpx.WriteJSON(w, rec.Status, rec.Body)
			return
		}
	}

	var req envelope.SignInput
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	status := http.StatusOK
	var body map[string]any
	res, err := s.Envelopes.Sign(ctx, token, req)
	if err != nil {
		status, body = httpx.AppErrorBody(err)
		if status >= http.StatusInternalServerError {
			s.Log.Error("http: sign: %v", err)
		}
	} else {
		// The token holder sees its own signer record and the envelope's
		// progress, never the other signers' contact details.
		body = map[string]any{
			"request_id":       httpx.NewRequestID(),
			"envelope_id":      res.Envelope.ID,
			"status":           res.Envelope.Status,
			"completionAnchor": res.Envelope.CompletionAnchor,
			"signer":           res.Signer,
		}
	}
	if s.Idempotency != nil {
		if err := idempotency.Save(ctx, s.Idempotency, scope, "sign", idempotency.Record{Status: status, Body: body}); err != nil {
			s.Log.Warn("http: save idempotency record: %v", err)
		}
	}
	httpx.WriteJSON(w, status, body)
}

func (s *Server) verifyEnvelope(w http.ResponseWriter, r *http.Request) {
	v, err := s.Envelopes.Verification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "verification", v)
}
