package httpmw

import "net/http"

// Chain wraps h so that mws[0] sees the request first. nil entries are
// skipped, which lets callers leave optional middleware unset.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := range mws {
		if mw := mws[len(mws)-1-i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
