package handlers

import (
	"net/http"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeErrorJSON(w, http.StatusNotFound, "not found")
}
