package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/tutor-relay/pkg/gateway/apierror"
)

// writeErr writes err as a JSON error envelope and returns the status used.
func writeErr(w http.ResponseWriter, err error) int {
	env, status := apierror.FromError(err)
	writeErrorJSON(w, status, env.Error)
	return status
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: msg})
}
