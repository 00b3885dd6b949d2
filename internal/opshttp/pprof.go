package opshttp

import (
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// registerPprof mounts the pprof handlers on the router. Index resolves
// named profiles (heap, goroutine, block, mutex, ...) from the URL path.
func registerPprof(r chi.Router) {
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Post("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Get("/{name}", pprof.Index)
	})
}
