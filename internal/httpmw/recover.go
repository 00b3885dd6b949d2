package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// Recover converts handler panics into 500 responses instead of killing
// the connection. The panic value and goroutine stack are logged; onPanic
// (if non-nil) runs once per recovered panic, typically a metrics hook.
func Recover(l log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if l == nil {
		l = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				// net/http uses this sentinel to abort a response; let it through.
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err, ok := v.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", v)
				} else {
					err = xerrors.Wrap(err, "panic")
				}
				if onPanic != nil {
					onPanic()
				}
				// debug.Stack inside the deferred func still sees the
				// panicking frames; the unwind happens after recover.
				l.With("method", r.Method, "path", r.URL.Path).
					Error(r.Context(), err, "httpserver panic recovered",
						"stack", string(debug.Stack()),
					)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
