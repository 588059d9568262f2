// Package scheduler is a minimal registration service that stands in for a
// real task scheduler. It tracks which workers joined the cluster, their
// heartbeats and their recent resource usage, and exposes that over HTTP.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/exp/slices"

	"github.com/Iron-Ham/dcluster/internal/logging"
	"github.com/Iron-Ham/dcluster/internal/ring"
)

// Defaults for zero-valued Options fields.
const (
	DefaultStaleAfter      = 30 * time.Second
	DefaultResourceLogSize = 1000
	DefaultGracePeriod     = 5 * time.Second
)

// Options configures a Service.
type Options struct {
	// ID identifies this scheduler in GET /identity.
	ID string
	// StaleAfter is how long a worker may go without a heartbeat before it
	// is dropped.
	StaleAfter time.Duration
	// ResourceLogSize bounds the samples kept per worker.
	ResourceLogSize int
	// GracePeriod bounds the HTTP server shutdown.
	GracePeriod time.Duration
	Logger      *logging.Logger
}

// Service is the scheduling service. It implements SyncTo and Serve.
type Service struct {
	id              string
	staleAfter      time.Duration
	resourceLogSize int
	gracePeriod     time.Duration
	logger          *logging.Logger
	now             func() time.Time

	mu        sync.RWMutex
	workers   []WorkerInfo
	resources map[string]*ring.Ring[ResourceSample]
	address   string
}

// New creates a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Service{
		id:              opts.ID,
		staleAfter:      opts.StaleAfter,
		resourceLogSize: opts.ResourceLogSize,
		gracePeriod:     opts.GracePeriod,
		logger:          logger.WithRole("scheduler"),
		now:             time.Now,
		resources:       make(map[string]*ring.Ring[ResourceSample]),
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.resourceLogSize <= 0 {
		s.resourceLogSize = DefaultResourceLogSize
	}
	if s.gracePeriod <= 0 {
		s.gracePeriod = DefaultGracePeriod
	}
	if s.id == "" {
		s.id = fmt.Sprintf("scheduler-%d", time.Now().UnixNano())
	}
	return s
}

// Router returns the HTTP routes of the service.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/unregister", s.handleUnregister).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/resources/{name}", s.handleResources).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// SyncTo imports the worker registry of the center at addr. The center
// must identify itself as a scheduler.
func (s *Service) SyncTo(ctx context.Context, addr string) error {
	client := NewClient(addr)

	id, err := client.Identity(ctx)
	if err != nil {
		return fmt.Errorf("identify center: %w", err)
	}
	if id.Type != TypeScheduler && id.Type != TypeCenter {
		return fmt.Errorf("center at %s identifies as %q", addr, id.Type)
	}

	workers, err := client.Workers(ctx)
	if err != nil {
		return fmt.Errorf("fetch workers from center: %w", err)
	}
	for _, w := range workers {
		s.upsert(w)
	}
	s.logger.Info("synced with center", "center", addr, "center_id", id.ID, "workers", len(workers))
	return nil
}

// Serve answers HTTP requests on ln until ctx is cancelled, then shuts the
// server down within the grace period. Stale workers are pruned meanwhile.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.address = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.staleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ticker.C:
			s.PruneStale()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.gracePeriod)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			return nil
		}
	}
}

// Workers returns the registered workers sorted by name.
func (s *Service) Workers() []WorkerInfo {
	s.mu.RLock()
	out := append([]WorkerInfo(nil), s.workers...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns the samples recorded for a worker, oldest first.
func (s *Service) Resources(name string) ([]ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	if !ok {
		return nil, false
	}
	return r.Values(), true
}

// PruneStale drops workers whose last heartbeat is older than StaleAfter
// and returns their names.
func (s *Service) PruneStale() []string {
	cutoff := s.now().Add(-s.staleAfter)

	s.mu.Lock()
	var removed []string
	s.workers = slices.DeleteFunc(s.workers, func(w WorkerInfo) bool {
		if w.LastHeartbeat.Before(cutoff) {
			removed = append(removed, w.Name)
			delete(s.resources, w.Name)
			return true
		}
		return false
	})
	s.mu.Unlock()

	for _, name := range removed {
		s.logger.Warn("dropping stale worker", "worker", name, "stale_after", s.staleAfter.String())
	}
	return removed
}

func (s *Service) upsert(w WorkerInfo) bool {
	now := s.now()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.workers, func(x WorkerInfo) bool { return x.Name == w.Name })
	if idx >= 0 {
		s.workers[idx] = w
		return false
	}
	s.workers = append(s.workers, w)
	s.resources[w.Name] = ring.New[ResourceSample](s.resourceLogSize)
	return true
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Worker.Name == "" {
		http.Error(w, "missing worker name", http.StatusBadRequest)
		return
	}
	req.Worker.RegisteredAt = time.Time{}
	req.Worker.LastHeartbeat = time.Time{}
	if s.upsert(req.Worker) {
		s.logger.Info("worker registered", "worker", req.Worker.Name, "host", req.Worker.Host, "threads", req.Worker.Threads)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.workers, func(x WorkerInfo) bool { return x.Name == req.Name })
	if idx >= 0 {
		s.workers = slices.Delete(s.workers, idx, idx+1)
		delete(s.resources, req.Name)
	}
	s.mu.Unlock()

	if idx < 0 {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	s.logger.Info("worker unregistered", "worker", req.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	now := s.now()
	s.mu.Lock()
	idx := slices.IndexFunc(s.workers, func(x WorkerInfo) bool { return x.Name == req.Name })
	if idx >= 0 {
		s.workers[idx].LastHeartbeat = now
		if req.Sample != nil {
			if req.Sample.Time.IsZero() {
				req.Sample.Time = now
			}
			s.resources[req.Name].Add(*req.Sample)
		}
	}
	s.mu.Unlock()

	if idx < 0 {
		// The worker was pruned or never registered; it must register again.
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, WorkersResponse{Workers: s.Workers()})
}

func (s *Service) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	id := Identity{Type: TypeScheduler, ID: s.id, Address: s.address, Workers: len(s.workers)}
	s.mu.RUnlock()
	writeJSON(w, id)
}

func (s *Service) handleResources(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	samples, ok := s.Resources(name)
	if !ok {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	writeJSON(w, ResourcesResponse{Name: name, Samples: samples})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
