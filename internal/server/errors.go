package server

import (
	"net/http"
	"slices"
	"strings"

	jsonwriter "github.com/dgellow/identity-server/internal/json"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
)

const maxFormBytes = 64 << 10

// writeError renders err as an OAuth error body. Errors outside the taxonomy
// become a generic server_error and are logged with the request context.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, oauthErr, ok := oauth.Classify(err)
	if !ok {
		log.LogErrorWithFields("server", "Unhandled error", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}
	oauth.WriteTokenError(w, status, oauthErr)
}

// allowMethods writes 405 and returns false when r uses another method.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	if slices.Contains(methods, r.Method) {
		return true
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	jsonwriter.WriteMethodNotAllowed(w, "Method not allowed")
	return false
}

// parseForm reads a bounded form body and the query string.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return oauth.InvalidRequest("malformed form body")
	}
	return nil
}

// clientCredentials reads client_secret_basic first, then
// client_secret_post.
func clientCredentials(r *http.Request) (clientID, secret string) {
	if id, s, ok := r.BasicAuth(); ok {
		return id, s
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
