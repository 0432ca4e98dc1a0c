// latticed is the federation action engine daemon. It serves the tenant
// inbox, the local action API and the instance's signing key documents.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/config"
	"github.com/latticehq/lattice/pkg/dsl"
	"github.com/latticehq/lattice/pkg/hook"
	"github.com/latticehq/lattice/pkg/keycache"
	"github.com/latticehq/lattice/pkg/meta"
	"github.com/latticehq/lattice/pkg/native"
	"github.com/latticehq/lattice/pkg/pipeline"
	"github.com/latticehq/lattice/pkg/scheduler"
	"github.com/latticehq/lattice/pkg/settings"
	"github.com/latticehq/lattice/pkg/token"
	"github.com/latticehq/lattice/pkg/transport"
)

// localTenant is the tenant id of a single-tenant deployment.
const localTenant action.TenantID = 1

func main() {
	if err := run(); err != nil {
		slog.Error("latticed failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, closeAdapter, err := openAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAdapter()

	store := settings.NewMemoryStore(settings.Defaults())
	keys, err := token.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init key set: %w", err)
	}

	fetcher := transport.NewHTTPKeyFetcher(nil)
	cacheSize := cfg.KeyCacheSize
	if cacheSize == 0 {
		cacheSize, err = store.GetInt(ctx, 0, settings.KeyKeyFailureCacheSize)
		if err != nil {
			return err
		}
	}
	cache, err := keycache.New(cacheSize, fetcher, log)
	if err != nil {
		return err
	}

	registry, err := dsl.NewRegistry()
	if err != nil {
		return err
	}
	defs, err := dsl.BuiltinDefinitions()
	if err != nil {
		return err
	}
	if cfg.DefinitionDir != "" {
		extra, err := dsl.LoadDirectory(cfg.DefinitionDir)
		if err != nil {
			return err
		}
		defs = append(defs, extra...)
	}
	if err := registry.Load(defs...); err != nil {
		return err
	}
	log.Info("definitions loaded", "types", len(defs))

	markers, err := newMarkerStore(ctx, cfg)
	if err != nil {
		return err
	}
	dispatcher := hook.NewDispatcher(markers, log)
	native.New(adapter, store, log).Register(dispatcher)

	pool := scheduler.NewPool(cfg.Workers, log)
	defer pool.Close()

	engine, err := pipeline.NewEngine(pipeline.Config{
		Meta:                adapter,
		Settings:            store,
		Keys:                keys,
		Resolver:            cache,
		Registry:            registry,
		Hooks:               dispatcher,
		Transport:           transport.NewHTTPTransport(nil),
		Scheduler:           pool,
		Log:                 log,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
	})
	if err != nil {
		return err
	}
	engine.BindDefinitions()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newHandler(engine, keys, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "tenant_tag", cfg.TenantTag)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openAdapter(ctx context.Context, cfg *config.Config) (meta.Adapter, func(), error) {
	if cfg.SQLitePath == "" {
		m := meta.NewMemoryAdapter()
		m.AddTenant(localTenant, cfg.TenantTag)
		return m, func() {}, nil
	}
	db, err := meta.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AddTenant(ctx, localTenant, cfg.TenantTag); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func newMarkerStore(ctx context.Context, cfg *config.Config) (hook.MarkerStore, error) {
	if cfg.RedisAddr == "" {
		return hook.NewMemoryMarkerStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return hook.NewRedisMarkerStore(client), nil
}

func newHandler(engine *pipeline.Engine, keys *token.InMemoryKeySet, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /.well-known/lattice/keys/{kid}", func(w http.ResponseWriter, r *http.Request) {
		kid := r.PathValue("kid")
		pub, ok := keys.PublicKey(kid)
		if !ok {
			http.Error(w, "unknown key", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, transport.KeyDocument{
			KeyID:     kid,
			Alg:       "EdDSA",
			PublicKey: base64.RawURLEncoding.EncodeToString(pub),
		})
	})

	mux.HandleFunc("POST /api/inbox", func(w http.ResponseWriter, r *http.Request) {
		var req transport.InboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			http.Error(w, "token required", http.StatusBadRequest)
			return
		}
		a, err := engine.Receive(r.Context(), localTenant, req.Token)
		if err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, a)
	})

	mux.HandleFunc("POST /api/actions", func(w http.ResponseWriter, r *http.Request) {
		var req action.CreateAction
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		a, err := engine.Create(r.Context(), localTenant, req)
		if err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	})

	mux.HandleFunc("POST /api/actions/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Accept(r.Context(), localTenant, r.PathValue("id")); err != nil {
			writeActionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/actions/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Reject(r.Context(), localTenant, r.PathValue("id")); err != nil {
			writeActionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return logRequests(mux, log)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeActionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, action.ErrMalformed),
		errors.Is(err, action.ErrSchemaViolation),
		errors.Is(err, action.ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, action.ErrSignatureInvalid),
		errors.Is(err, action.ErrExpired),
		errors.Is(err, action.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, action.ErrNotFound), errors.Is(err, action.ErrUnknownType):
		status = http.StatusNotFound
	case errors.Is(err, action.ErrDuplicate), errors.Is(err, action.ErrStatusTransition):
		status = http.StatusConflict
	case errors.Is(err, action.ErrKeyUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func logRequests(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
