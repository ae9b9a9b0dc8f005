package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware keeps a panicking ops handler from taking down the
// process while a read is in flight. The panic is logged with its stack and
// the client gets a JSON error in the same shape as the health payloads.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				logger.WithFields(logrus.Fields{
					"error":  rec,
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				}).Error("Panic in ops handler")

				// If the handler already started the response there is
				// nothing coherent left to send.
				if rw.wroteHeader || rw.bytesWritten > 0 {
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "error",
					"error":  "internal server error",
				})
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
