package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"calcgate-mcp-server/internal/audit"
	"calcgate-mcp-server/internal/auth"
	"calcgate-mcp-server/internal/browser"
	"calcgate-mcp-server/internal/catalog"
	"calcgate-mcp-server/internal/config"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/mcp"
)

// maxRequestBody caps the JSON-RPC request size.
const maxRequestBody = 1 << 20

// TokenValidator is the auth surface the server depends on.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.Claims, error)
}

// Server is the HTTP surface: discovery and health endpoints, CORS, bearer
// auth, and the JSON-RPC dispatcher behind it.
type Server struct {
	cfg        config.Config
	validator  TokenValidator
	dispatcher *Dispatcher
	httpServer *http.Server
}

// Deps bundles what the tool set needs.
type Deps struct {
	Catalog  *catalog.Catalog
	Engine   Automator
	Recorder *audit.Recorder
}

// New wires the gateway's HTTP surface and registers the tool set. validator
// may be nil when auth.disable is set.
func New(cfg config.Config, validator TokenValidator, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		validator:  validator,
		dispatcher: NewDispatcher(cfg, deps.Recorder),
	}

	// Authenticated pages only make sense when a sign-in state is loaded.
	identity := browser.IdentityPublic
	if cfg.Browser.AuthState != "" {
		identity = browser.IdentityAuthenticated
	}
	s.dispatcher.identity = string(identity)

	s.dispatcher.RegisterTool(&ListAllTool{catalog: deps.Catalog})
	s.dispatcher.RegisterTool(&SearchTool{catalog: deps.Catalog})
	s.dispatcher.RegisterTool(&InspectTool{catalog: deps.Catalog, engine: deps.Engine, identity: identity})
	s.dispatcher.RegisterTool(&ExecuteTool{catalog: deps.Catalog, engine: deps.Engine, identity: identity})
	return s
}

// Router builds the gorilla/mux routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc(metadataPath, s.handleProtectedResourceMetadata).Methods("GET")
	r.HandleFunc(s.cfg.HTTP.MCPPath, s.handleMCP).Methods("POST", "OPTIONS")

	r.Use(s.corsMiddleware)
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTP.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Gateway listening on %s (endpoint %s)", s.cfg.HTTP.ListenAddr, s.cfg.HTTP.MCPPath)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("Gateway shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// corsMiddleware answers preflights permissively enough for a browser-hosted
// remote client to complete the OAuth and invocation flow.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, mcp-protocol-version")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleMCP authenticates the caller, then hands the request body to the
// dispatcher. Tool execution is detached from the request context: a client
// disconnect must not abandon a half-driven page.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.authenticate(r)
	if authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, mcp.PARSE_ERROR, "Parse error: "+err.Error()))
		return
	}

	resp := s.dispatcher.Handle(context.WithoutCancel(r.Context()), claims, req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticate extracts and validates the bearer token. A nil validator
// (auth disabled) admits everything with nil claims.
func (s *Server) authenticate(r *http.Request) (*auth.Claims, *auth.Error) {
	if s.validator == nil {
		return nil, nil
	}

	raw := ""
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return nil, &auth.Error{Kind: auth.KindMissingToken, Detail: "Authorization header is not a bearer token"}
		}
		raw = strings.TrimPrefix(header, prefix)
	}

	claims, err := s.validator.Validate(r.Context(), raw)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &auth.Error{Kind: auth.KindBadSignature, Detail: err.Error()}
	}
	return claims, nil
}

// writeAuthError emits a 401 with a WWW-Authenticate header pointing back at
// the discovery document, plus a machine-readable failure subtype.
func (s *Server) writeAuthError(w http.ResponseWriter, authErr *auth.Error) {
	header := fmt.Sprintf(`Bearer resource_metadata=%q`, s.cfg.HTTP.PublicURL+metadataPath)
	if authErr.Kind != auth.KindMissingToken {
		header += fmt.Sprintf(`, error="invalid_token", error_description=%q`, string(authErr.Kind))
	}
	w.Header().Set("WWW-Authenticate", header)

	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":      "unauthorized",
		"error_kind": string(authErr.Kind),
	})
}
