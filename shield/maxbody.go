package shield

import (
	"errors"
	"net/http"
)

// MaxBody caps every request body at maxBytes. Reads past the cap fail with
// *http.MaxBytesError, which IsTooLarge recognises. A non-positive maxBytes
// disables the limit.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				if r.ContentLength > maxBytes {
					WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsTooLarge reports whether err comes from a body cut off by MaxBody.
func IsTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
