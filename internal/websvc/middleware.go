package websvc

import (
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/carrotproxy/daedalus/internal/version"
)

// jsonMw sets the content type of the response to application/json.
func jsonMw(h http.Handler) (wrapped http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(httphdr.ContentType, contentTypeJSON)

		h.ServeHTTP(w, r)
	}
}

// logMw logs the requests and sets the Server header.
func (svc *Service) logMw(h http.Handler) (wrapped http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set(httphdr.Server, version.UserAgent())

		h.ServeHTTP(w, r)

		svc.logger.DebugContext(
			r.Context(),
			"http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed", time.Since(start),
		)
	}
}
