package handlers

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	apperrors "github.com/predmkts/predmkts/internal/errors"
)

// ErrorResponder writes err to w as an error envelope.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

var errorResponder atomic.Pointer[ErrorResponder]

// SetHTTPErrorResponder installs the server's error handler. Nil restores
// the plain envelope writer.
func SetHTTPErrorResponder(responder ErrorResponder) {
	if responder == nil {
		errorResponder.Store(nil)
		return
	}
	errorResponder.Store(&responder)
}

func ResetHTTPErrorResponder() {
	SetHTTPErrorResponder(nil)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if responder := errorResponder.Load(); responder != nil {
		(*responder)(w, r, err)
		return
	}
	apperrors.RespondWithError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
