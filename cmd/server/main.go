package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"calcgate-mcp-server/internal/audit"
	"calcgate-mcp-server/internal/auth"
	"calcgate-mcp-server/internal/browser"
	"calcgate-mcp-server/internal/catalog"
	"calcgate-mcp-server/internal/config"
	"calcgate-mcp-server/internal/engine"
	"calcgate-mcp-server/internal/gateway"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the CalcGate config file")
	listenAddr := flag.String("addr", "", "Optional listen address override (falls back to config)")
	flag.Parse()

	// Deployment secrets (issuer URL, storage-state path) often arrive via a
	// local .env file rather than the YAML config.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}

	if cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.Printf("could not open log file %s, keeping stderr: %v", cfg.Server.LogFile, err)
		}
	}

	cat, err := catalog.Load(cfg.Catalog.Path, cfg.Catalog.BaseURL)
	if err != nil {
		log.Fatalf("failed to load calculator catalog: %v", err)
	}
	log.Printf("catalog loaded: %d calculators", cat.Len())

	sessions := browser.NewManager(cfg.Browser)
	if err := sessions.Start(ctx); err != nil {
		log.Fatalf("failed to initialize Rod session manager: %v", err)
	}

	var validator gateway.TokenValidator
	if cfg.Auth.Disable {
		log.Printf("WARNING: token validation is disabled; every caller is granted all scopes")
	} else {
		keys := auth.NewKeyCache(cfg.KeySetURL(), cfg.Auth.KeySetTTL())
		validator = auth.NewValidator(keys, cfg.Auth.IssuerURL, cfg.ExpectedAudience())
		log.Printf("token validation enabled: issuer=%s audience=%s", cfg.Auth.IssuerURL, cfg.ExpectedAudience())
	}

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder, err = audit.NewRecorder(cfg.Audit.Dir)
		if err != nil {
			log.Fatalf("failed to open audit recorder: %v", err)
		}
		defer recorder.Close()
	}

	server := gateway.New(cfg, validator, gateway.Deps{
		Catalog:  cat,
		Engine:   engine.New(sessions, cfg.Browser),
		Recorder: recorder,
	})

	serveErr := server.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Printf("browser shutdown: %v", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", serveErr)
	}
}
