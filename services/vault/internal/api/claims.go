package api

import (
	"net/http"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/httpx"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/claim"

	"github.com/go-chi/chi/v5"
)

func (s *Server) createClaim(w http.ResponseWriter, r *http.Request) {
	var req claim.CreateInput
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	created, err := s.Claims.Create(r.Context(), caller(r).ID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"claim":      created.Claim,
		"token":      created.Token,
		"url":        created.URL,
	})
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.Claims.ListByOwner(r.Context(), caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if claims == nil {
		claims = []claim.Claim{}
	}
	respond(w, http.StatusOK, "claims", claims)
}

type claimPreview struct {
	Title        string       `json:"title,omitempty"`
	DocumentHash string       `json:"documentHash,omitempty"`
	Status       claim.Status `json:"status"`
	ExpiresAt    string       `json:"expiresAt"`
}

// peekClaim shows what a link holds without revealing the owner or the
// resource reference.
func (s *Server) peekClaim(w http.ResponseWriter, r *http.Request) {
	c, err := s.Claims.Peek(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "claim", claimPreview{
		Title:        c.Title,
		DocumentHash: c.DocumentHash,
		Status:       c.Status,
		ExpiresAt:    c.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) useClaim(w http.ResponseWriter, r *http.Request) {
	c, err := s.Claims.Claim(r.Context(), chi.URLParam(r, "token"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "claim", c)
}
