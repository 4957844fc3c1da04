package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/api"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/config"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/eventstore"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/hub"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/idgen"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/registry"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/rules"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/signallog"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/state"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/web"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	engine := rules.NewEngine()
	events := eventstore.NewStore(db, engine)
	signals := signallog.NewLog(db)
	reg := registry.NewRegistry()

	broadcast := hub.NewHub()
	broadcast.Snapshot = func() any { return reg.Tree() }

	watcher, err := rules.Watch(cfg.RulesPath, engine)
	if err != nil {
		log.Printf("rules watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())

	apiServer := &api.Server{
		Events:   events,
		Signals:  signals,
		Rules:    engine,
		Registry: reg,
		Hub:      broadcast,
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	apiHandler := apiServer.Handler()
	mux.Handle("/events", apiHandler)
	mux.Handle("/events/", apiHandler)
	mux.Handle("/signals", apiHandler)
	mux.Handle("/signals/", apiHandler)
	mux.Handle("/api/", apiHandler)
	mux.Handle("/stream", apiHandler)
	mux.Handle("/stream/", apiHandler)
	mux.Handle("/", webServer.Handler())

	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("observd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := idgen.RequestID()
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s id=%s", r.Method, r.URL.Path, time.Since(start), requestID)
	})
}
