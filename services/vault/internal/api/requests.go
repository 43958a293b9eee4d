package api

import (
	"net/http"
	"strconv"

	"github.com/b0ase/bcorp-mint-sub003/pkg/httpx"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/cosign"

	"github.com/go-chi/chi/v5"
)

func (s *Server) requestCoSign(w http.ResponseWriter, r *http.Request) {
	var req cosign.CoSignInput
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	out, err := s.Cosign.RequestCoSign(r.Context(), caller(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "request", out)
}

func (s *Server) requestPeerAttestation(w http.ResponseWriter, r *http.Request) {
	var req cosign.PeerInput
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	out, err := s.Cosign.RequestPeerAttestation(r.Context(), caller(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "request", out)
}

func (s *Server) respondCoSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResponseRef string `json:"responseRef"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	out, err := s.Cosign.RespondToCoSign(r.Context(), chi.URLParam(r, "id"), caller(r), req.ResponseRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "request", out)
}

func (s *Server) respondPeerAttestation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept *bool `json:"accept"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	if req.Accept == nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "accept is required", nil)
		return
	}
	out, err := s.Cosign.RespondToPeerAttestation(r.Context(), chi.URLParam(r, "id"), caller(r), *req.Accept)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "request", out)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	includeDismissed, _ := strconv.ParseBool(r.URL.Query().Get("includeDismissed"))
	views, err := s.Cosign.List(r.Context(), caller(r), includeDismissed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "requests", views)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	out, err := s.Cosign.Get(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "request", out)
}

func (s *Server) dismissRequest(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Dismissed *bool `json:"dismissed"`
	}{}
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(r, &req); err != nil {
			badJSON(w, err)
			return
		}
	}
	dismissed := req.Dismissed == nil || *req.Dismissed
	if err := s.Cosign.Dismiss(r.Context(), chi.URLParam(r, "id"), caller(r), dismissed); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "dismissed", dismissed)
}
