package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func ErrorBody(code, message string, details any) map[string]any {
	return map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, ErrorBody(code, message, details))
}

// AppErrorBody renders err through the apperr taxonomy. Errors outside the
// taxonomy are reported as INTERNAL without leaking their text.
func AppErrorBody(err error) (int, map[string]any) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, ErrorBody(string(apperr.CodeInternal), "internal error", nil)
	}
	var details any
	if ae.Reason != "" || len(ae.Metadata) > 0 {
		d := map[string]any{}
		if ae.Reason != "" {
			d["reason"] = ae.Reason
		}
		for k, v := range ae.Metadata {
			d[k] = v
		}
		details = d
	}
	return ae.Code.HTTPStatus(), ErrorBody(string(ae.Code), ae.Error(), details)
}

func WriteAppError(w http.ResponseWriter, err error) {
	status, body := AppErrorBody(err)
	WriteJSON(w, status, body)
}

func ParseBearer(authorization string) (string, bool) {
	if strings.TrimSpace(authorization) == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}
