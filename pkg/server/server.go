package server

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/adfharrison1/go-kvdex/pkg/api"
	"github.com/adfharrison1/go-kvdex/pkg/config"
	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/queue"
	"github.com/adfharrison1/go-kvdex/pkg/store"
	"github.com/adfharrison1/go-kvdex/pkg/store/bolt"
	"github.com/adfharrison1/go-kvdex/pkg/store/memory"
)

// Server holds references to the store, database, router, etc.
type Server struct {
	router      *mux.Router
	store       store.Store
	db          *kvdex.Database
	collections map[string]*kvdex.Collection[api.Document]
}

// OpenStore opens the store backend described by cfg.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var queueOptions []queue.Option
	if cfg.Queue.MaxAttempts > 0 {
		queueOptions = append(queueOptions, queue.WithMaxAttempts(cfg.Queue.MaxAttempts))
	}

	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(memory.WithLogger(logger), memory.WithQueueOptions(queueOptions...)), nil
	case config.DriverBolt:
		options := []bolt.Option{
			bolt.WithLogger(logger),
			bolt.WithNoSync(cfg.NoSync),
			bolt.WithQueueOptions(queueOptions...),
		}
		if cfg.OpenTimeout > 0 {
			options = append(options, bolt.WithOpenTimeout(cfg.OpenTimeout))
		}
		return bolt.Open(cfg.Path, options...)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// FromConfig opens the configured store and creates a server for it. The
// server owns the store and closes it in Close.
func FromConfig(cfg *config.Config) (*Server, error) {
	s, err := OpenStore(cfg.Store, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	srv, err := NewServer(s, cfg.Collections)
	if err != nil {
		s.Close()
		return nil, err
	}
	return srv, nil
}

// NewServer creates a new instance of Server serving the described
// collections of s. Each collection is rooted at its name.
func NewServer(s store.Store, collections []config.CollectionConfig, options ...kvdex.Option) (*Server, error) {
	db := kvdex.New(s, options...)

	srv := &Server{
		router:      mux.NewRouter(),
		store:       s,
		db:          db,
		collections: make(map[string]*kvdex.Collection[api.Document], len(collections)),
	}
	for _, cc := range collections {
		opts, err := cc.Options()
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", cc.Name, err)
		}
		coll, err := kvdex.NewCollection[api.Document](db, keys.Key{cc.Name}, opts...)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", cc.Name, err)
		}
		srv.collections[cc.Name] = coll
		log.Printf("INFO: Serving collection '%s' with %d indexes", cc.Name, len(cc.Indices))
	}

	// Define HTTP routes
	api.NewHandler(db, srv.collections).RegisterRoutes(srv.router)

	// Use the logging middleware for all routes
	srv.router.Use(requestLoggerMiddleware)

	// Customize NotFoundHandler to log 404s
	srv.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("WARN: No route found for %s %s", r.Method, r.URL.Path)
		api.WriteJSONError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})

	return srv, nil
}

// requestLoggerMiddleware logs the method, URL path, status and duration for each request.
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		log.Printf("INFO: Request %s %s -> %d took %s", r.Method, r.URL.Path, rec.status, elapsed)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Router exposes the internal mux.Router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Database returns the database the server serves.
func (s *Server) Database() *kvdex.Database {
	return s.db
}

// Collection returns the named collection, or nil.
func (s *Server) Collection(name string) *kvdex.Collection[api.Document] {
	return s.collections[name]
}

// Close closes the underlying store.
func (s *Server) Close() error {
	if err := s.store.Close(); err != nil {
		log.Printf("ERROR: Could not close store: %v", err)
		return err
	}
	log.Printf("INFO: Store closed")
	return nil
}
