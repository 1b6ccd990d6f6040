// Package obsmetrics exposes the process's Prometheus registry over HTTP.
// Individual components register their own collectors in their own
// init() functions against the default registry; this package only wires
// the handler.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
