package gateway

import (
	"encoding/json"
	"net/http"
)

// metadataPath is the RFC 9728 protected-resource discovery location.
const metadataPath = "/.well-known/oauth-protected-resource"

// handleProtectedResourceMetadata serves the OAuth protected-resource
// document. It is unauthenticated: clients read it to learn how to
// authenticate in the first place.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	// The issuer is served verbatim: token validation compares `iss`
	// trailing-slash-exact, and the advertised value must agree with it.
	doc := map[string]interface{}{
		"resource":                 s.cfg.HTTP.PublicURL,
		"authorization_servers":    []string{s.cfg.Auth.IssuerURL},
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         s.cfg.Auth.ScopesSupported,
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
