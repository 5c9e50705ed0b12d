package httpapi

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
	"github.com/fluxledger/eventhub/infrastructure/httputil"
	"github.com/fluxledger/eventhub/internal/auth"
)

// writeError maps any error to the standard error envelope. Errors that
// aren't a *svcerrors.ServiceError are never expected from command layers,
// so they surface as 500 INTERNAL without leaking details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se := svcerrors.GetServiceError(err); se != nil {
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(svcerrors.ErrCodeInternal), "internal server error", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httputil.WriteJSON(w, status, v)
}

// decodeBody reads and unmarshals a JSON request body, writing an
// INVALID_REQUEST response and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, r, svcerrors.InvalidRequest("request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, svcerrors.InvalidRequest("malformed JSON body: "+err.Error()))
		return false
	}
	return true
}

// authenticate resolves the requesting Principal, writing a 401 response
// and returning false on failure. Called by every handler except the
// public routes registered without it.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	principal, err := s.authn.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return principal, true
}
