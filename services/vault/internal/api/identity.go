package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/pkg/httpx"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/go-chi/chi/v5"
)

func (s *Server) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
		Email  string `json:"email"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	idn, credential, err := s.Identities.CreateIdentity(r.Context(), req.Handle, req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The credential is shown once and only its hash is kept.
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"identity":   idn,
		"credential": credential,
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	idn, err := s.Identities.Get(r.Context(), caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "identity", idn)
}

func (s *Server) myStrength(w http.ResponseWriter, r *http.Request) {
	s.writeStrength(w, r, caller(r).ID)
}

func (s *Server) publicStrength(w http.ResponseWriter, r *http.Request) {
	idn, err := s.Identities.GetByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeStrength(w, r, idn.ID)
}

// writeStrength serves the strength view with the strand fingerprint as a
// strong ETag.
func (s *Server) writeStrength(w http.ResponseWriter, r *http.Request, identityID string) {
	view, err := s.Identities.Strength(r.Context(), identityID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	etag := `"` + view.Fingerprint + `"`
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respond(w, http.StatusOK, "strength", view)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		c := strings.TrimSpace(candidate)
		if c == "*" || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}

func (s *Server) myStrands(w http.ResponseWriter, r *http.Request) {
	strands, err := s.Identities.ListStrands(r.Context(), caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if strands == nil {
		strands = []identity.Strand{}
	}
	respond(w, http.StatusOK, "strands", strands)
}

type strandRequest struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	ArtifactRef string          `json:"artifactRef"`
	Metadata    json.RawMessage `json:"metadata"`
}

// decodeStrand reads a strand request, writing the error response itself
// when it returns ok=false.
func (s *Server) decodeStrand(w http.ResponseWriter, r *http.Request) (strandRequest, strand.Key, strand.Metadata, bool) {
	var req strandRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return req, strand.Key{}, nil, false
	}
	t, err := strand.ParseType(req.Type)
	if err != nil {
		s.fail(w, r, apperr.Invalid(err.Error()))
		return req, strand.Key{}, nil, false
	}
	meta, err := strand.UnmarshalMetadata(t, req.Metadata)
	if err != nil {
		s.fail(w, r, apperr.Invalid(err.Error()))
		return req, strand.Key{}, nil, false
	}
	key := strand.Key{Type: t, Subtype: strings.ToLower(strings.TrimSpace(req.Subtype))}
	return req, key, meta, true
}

func (s *Server) addSelfStrand(w http.ResponseWriter, r *http.Request) {
	req, key, meta, ok := s.decodeStrand(w, r)
	if !ok {
		return
	}
	st, err := s.Identities.AddSelfStrand(r.Context(), caller(r).ID, key, meta, req.ArtifactRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "strand", st)
}

// addAttestedStrand is the attestor route: the target identity is named in
// the path and the strand may carry level weight.
func (s *Server) addAttestedStrand(w http.ResponseWriter, r *http.Request) {
	req, key, meta, ok := s.decodeStrand(w, r)
	if !ok {
		return
	}
	idn, err := s.Identities.GetByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.Identities.AddAttestedStrand(r.Context(), idn.ID, key, meta, req.ArtifactRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.Log.Info("http: attestor added %s strand to %s", key, idn.Handle)
	respond(w, http.StatusCreated, "strand", st)
}

func (s *Server) linkProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider       string `json:"provider"`
		ProviderUserID string `json:"providerUserId"`
		Username       string `json:"username"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	idn, st, err := s.Identities.LinkProvider(r.Context(), caller(r).ID, identity.ProviderLink{
		Provider:       req.Provider,
		ProviderUserID: req.ProviderUserID,
		Username:       req.Username,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "identity": idn, "strand": st})
}

func (s *Server) selfAttest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Statement string `json:"statement"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	st, err := s.Identities.SelfAttest(r.Context(), caller(r).ID, req.Statement)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "strand", st)
}

func (s *Server) addIPThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentHash string `json:"documentHash"`
		DocumentType string `json:"documentType"`
		Title        string `json:"title"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		badJSON(w, err)
		return
	}
	st, err := s.Identities.AddIPThread(r.Context(), caller(r).ID, req.DocumentHash, req.DocumentType, req.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "strand", st)
}

func (s *Server) myGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.Access.List(r.Context(), caller(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, "grants", grants)
}

func (s *Server) verifyAnchor(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "anchor", s.Anchors.Verify(r.Context(), chi.URLParam(r, "txid")))
}
