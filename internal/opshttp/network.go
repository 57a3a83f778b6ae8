package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

// requireNonPublicNetwork rejects callers whose address is not loopback,
// private or link-local. pprof and forced invalidation stay off the internet
// even if the admin port is bound on every interface.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(w, r, L, "malformed remote address")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			forbid(w, r, L, "unparseable remote address")
			return
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			forbid(w, r, L, "public remote address")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops http request rejected",
		"reason", reason,
		"url.path", r.URL.Path,
	)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}
