// Package registry is the process-wide championship_id -> ingest.Service
// map: idempotent start, observable active set, external stop.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/broadcast"
	"github.com/paddockstream/telemetry/internal/firewall"
	"github.com/paddockstream/telemetry/internal/ingest"
	"github.com/paddockstream/telemetry/internal/ports"
)

var (
	// ErrAlreadyExists is returned by Start for a championship that already
	// has a running service.
	ErrAlreadyExists = errors.New("registry: service already exists")
	// ErrNotActive is returned by operations targeting a championship with
	// no running service.
	ErrNotActive = errors.New("registry: service not active")
)

// Status is the externally visible state of a running service.
type Status struct {
	Active      bool
	Connections int
}

// AuditSink records championship service lifecycle transitions (start,
// stop, timeout, fatal). Implemented by internal/store.Store; a nil
// AuditSink is safe (no audit trail is kept).
type AuditSink interface {
	RecordAuditEvent(ctx context.Context, championshipID int32, action, details string) error
}

// Registry owns every running championship's ingest.Service, the shared
// PortLeaser they lease from, and the optional FirewallHelper. Start holds
// the single map lock across the whole operation, including the socket
// bind; Stop removes the entry under that lock and tears the service down
// after releasing it. That keeps the critical section simple at the cost of
// one championship's Start blocking every other Start, Stop and query while
// it runs.
type Registry struct {
	mu       sync.RWMutex
	services map[int32]*ingest.Service

	leaser   *ports.Leaser
	firewall *firewall.Helper
	metrics  ingest.Metrics
	audit    AuditSink
	log      *zap.Logger
	cfg      ingest.Config
}

// New returns an empty Registry wired to leaser and firewall (firewall may
// be a disabled Helper; see firewall.New). metrics and audit may both be
// nil.
func New(leaser *ports.Leaser, fw *firewall.Helper, metrics ingest.Metrics, audit AuditSink, cfg ingest.Config, log *zap.Logger) *Registry {
	return &Registry{
		services: make(map[int32]*ingest.Service),
		leaser:   leaser,
		firewall: fw,
		metrics:  metrics,
		audit:    audit,
		cfg:      cfg,
		log:      log,
	}
}

// Start binds and spawns a service for championshipID, installing a
// firewall rule if enabled. requestedPort pins the UDP port explicitly; zero
// leases one from the shared PortLeaser. Returns ErrAlreadyExists if a
// service is already running for this id; rolls back the port lease (and
// any firewall rule) on bind failure. On success it returns the bound port.
func (r *Registry) Start(ctx context.Context, championshipID int32, sink ingest.ClassificationSink, requestedPort int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[championshipID]; exists {
		return 0, ErrAlreadyExists
	}

	port := requestedPort
	if port == 0 {
		p, err := r.leaser.Lease()
		if err != nil {
			return 0, err
		}
		port = p
	}

	if err := r.firewall.Open(ctx, championshipID, port); err != nil {
		r.leaser.Release(port) // no-op if port was never leased
		return 0, err
	}

	svc, err := ingest.Start(ctx, championshipID, port, r.cfg, sink, r.metrics, r.log)
	if err != nil {
		_ = r.firewall.Close(ctx, championshipID)
		r.leaser.Release(port) // no-op if port was never leased
		return 0, err
	}

	r.services[championshipID] = svc

	go r.reapOnExit(championshipID, svc)

	r.recordAudit(ctx, championshipID, "start", fmt.Sprintf("port=%d", port))

	return port, nil
}

// reapOnExit removes a service from the registry once it tears itself down
// on its own (idle timeout, unsupported format, socket error), releasing
// its port and firewall rule exactly as an explicit Stop would, and records
// the transition as "timeout" (clean exit, no error) or "fatal" (socket
// error, unsupported format) in the audit log.
func (r *Registry) reapOnExit(championshipID int32, svc *ingest.Service) {
	<-svc.Done()

	r.mu.Lock()
	current, ok := r.services[championshipID]
	if ok && current == svc {
		delete(r.services, championshipID)
	}
	r.mu.Unlock()

	if ok && current == svc {
		_ = r.firewall.Close(context.Background(), championshipID)
		r.leaser.Release(svc.Port)

		action := "timeout"
		details := ""
		if svcErr := svc.Err(); svcErr != nil {
			action = "fatal"
			details = svcErr.Error()
		}
		r.recordAudit(context.Background(), championshipID, action, details)
	}
}

// recordAudit appends a lifecycle transition to the audit log if one is
// configured, logging (not failing the caller) on a write error.
func (r *Registry) recordAudit(ctx context.Context, championshipID int32, action, details string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordAuditEvent(ctx, championshipID, action, details); err != nil {
		r.log.Warn("record audit event", zap.Int32("championship_id", championshipID), zap.String("action", action), zap.Error(err))
	}
}

// Stop shuts a running service down, releasing its firewall rule and port.
// Returns ErrNotActive if no service is running for this id.
func (r *Registry) Stop(ctx context.Context, championshipID int32) error {
	r.mu.Lock()
	svc, ok := r.services[championshipID]
	if ok {
		delete(r.services, championshipID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotActive
	}

	svc.Stop(ctx)
	_ = r.firewall.Close(ctx, championshipID)
	r.leaser.Release(svc.Port)
	r.recordAudit(ctx, championshipID, "stop", "")
	return nil
}

// Active returns a snapshot of currently running championship ids.
func (r *Registry) Active() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int32, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	return ids
}

// Status reports whether a service is running and how many subscribers it
// currently has. Active is false (and Connections zero) when not running.
func (r *Registry) Status(championshipID int32) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[championshipID]
	if !ok {
		return Status{}
	}
	return Status{Active: true, Connections: svc.Broadcaster().SubscriberCount()}
}

// Subscribe returns a live subscription to championshipID's broadcaster, or
// nil if no service is running for it.
func (r *Registry) Subscribe(championshipID int32) *broadcast.Subscription {
	r.mu.RLock()
	svc, ok := r.services[championshipID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return svc.Broadcaster().Subscribe()
}

// Snapshot returns the current snapshot bytes for championshipID, or nil
// bytes (no error) if the cache is empty. Returns ErrNotActive if no
// service is running.
func (r *Registry) Snapshot(championshipID int32) ([]byte, error) {
	r.mu.RLock()
	svc, ok := r.services[championshipID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotActive
	}
	return svc.Cache().Snapshot()
}

// StopAll shuts down every running service. Used on process shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]int32, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Stop(ctx, id)
	}
}
