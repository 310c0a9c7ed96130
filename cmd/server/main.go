package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	assistwebui "github.com/docsassist/web-ui"
	"github.com/docsassist/web-ui/internal/bridge"
	"github.com/docsassist/web-ui/internal/handlers"
	"github.com/docsassist/web-ui/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/docsassist")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := defaultConfig()
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		panic(fmt.Errorf("error decoding config file: %w", err))
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))

	baseURL := cfg.Backend.BaseURL
	if baseURL == "" {
		baseURL = services.DefaultBaseURL(cfg.PublicURL)
	}
	assist, err := services.NewClient(services.Config{
		BaseURL:        baseURL,
		MaxAttempts:    cfg.Backend.MaxAttempts,
		RequestTimeout: time.Duration(cfg.Backend.RequestTimeout),
		RetryBaseDelay: time.Duration(cfg.Backend.RetryBaseDelay),
		RetryMaxDelay:  time.Duration(cfg.Backend.RetryMaxDelay),
		RateLimit:      cfg.Backend.RateLimit.RPS,
		RateBurst:      cfg.Backend.RateLimit.Burst,
		Logger:         logger,
	})
	if err != nil {
		panic(fmt.Errorf("error creating backend client: %w", err))
	}

	storePath := cfg.Session.StorePath
	if storePath == "" {
		storePath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(storePath)
	if err != nil {
		panic(fmt.Errorf("error opening store: %w", err))
	}

	var pageOrigin string
	if cfg.PublicURL != "" {
		pageOrigin, err = bridge.ResolveOrigin(cfg.PublicURL)
		if err != nil {
			panic(fmt.Errorf("error resolving public url: %w", err))
		}
	}

	var relays []*bridge.Relay
	for _, embedCfg := range cfg.Embeds {
		log.Printf("Bridging embedded application %s at %s", embedCfg.Name, embedCfg.URL)

		win, err := bridge.NewWindow(bridge.WindowConfig{
			Name:        embedCfg.Name,
			Source:      embedCfg.URL,
			PageOrigin:  pageOrigin,
			LoadTimeout: time.Duration(embedCfg.LoadTimeout),
			Origins:     embedCfg.Origins,
			Logger:      logger,
		})
		if err != nil {
			panic(fmt.Errorf("error creating embed window %s: %w", embedCfg.Name, err))
		}
		relays = append(relays, bridge.NewRelay(win, logger))
	}

	m, err := handlers.NewMain(handlers.MainConfig{
		Assist:    assist,
		Store:     boltDB,
		Relays:    relays,
		MaxRounds: cfg.Session.MaxRounds,
		Logger:    logger,
	})
	if err != nil {
		panic(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(assistwebui.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/sessions", m.HandleSSE)
	mux.HandleFunc("/api/search", m.HandleSearch)
	mux.HandleFunc("/api/feedback", m.HandleFeedback)
	mux.HandleFunc("/api/products", m.HandleProducts)
	mux.HandleFunc("/api/raw_file/{product}/{filename...}", m.HandleRawFile)
	mux.HandleFunc("/embed/{name}/ws", m.HandleEmbedSocket)
	mux.HandleFunc("/embed/{name}/retry", m.HandleEmbedRetry)
	mux.Handle("/metrics", promhttp.Handler())

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
		if err := boltDB.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}
