package opshttp

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

// buildsHandler serves the current build status as JSON.
func buildsHandler(b Builds) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, r, http.StatusOK, b)
	}
}

// invalidateHandler marks every target invalid and requests a rebuild. It
// answers 202 with the status as of the invalidation.
func invalidateHandler(b Builds) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		b.Invalidate(ctx)
		log.FromContext(ctx).Info(ctx, "admin: forced invalidation requested")
		writeStatus(w, r, http.StatusAccepted, b)
	}
}

func writeStatus(w http.ResponseWriter, r *http.Request, code int, b Builds) {
	st := b.Status()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		ctx := r.Context()
		log.FromContext(ctx).Debug(ctx, "admin: build status write failed", "reason", err)
	}
}
