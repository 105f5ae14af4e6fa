// Package broker implements the rendezvous point every client and service
// connects to. It keeps the service registry, routes calls to providers with
// per-namespace round-robin and carries responses back to the caller.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"vcc-rpc/internal/adapter/wire"
	"vcc-rpc/internal/domain"
	"vcc-rpc/internal/infra/tracer"
)

// BuiltinNamespace is served by the broker itself.
const BuiltinNamespace = "rpc"

// Config holds broker tunables.
type Config struct {
	MaxFrameSize    int
	WriteTimeout    time.Duration
	FramesPerSecond float64 // per-connection call rate, 0 = unlimited
	Burst           int
}

type peer struct {
	id       connID
	conn     *wire.Conn
	role     domain.Role // empty until handshake
	names    []string    // namespaces declared by a service
	limiter  *rate.Limiter
	accepted time.Time
}

type pendingJob struct {
	caller    connID
	provider  connID
	namespace string
	method    string
	started   time.Time
}

// Broker owns every connection, the registry and the pending-job table.
// All of that state is guarded by mu, which is never held while writing to a
// connection.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	nextID   connID
	peers    map[connID]*peer
	registry *registry
	jobs     map[string]map[connID]pendingJob // jobid -> caller -> job

	routed   atomic.Uint64
	notFound atomic.Uint64
	wg       sync.WaitGroup
}

// New creates a broker.
func New(cfg Config, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		peers:    make(map[connID]*peer),
		registry: newRegistry(),
		jobs:     make(map[string]map[connID]pendingJob),
	}
}

func (b *Broker) connOptions() []wire.Option {
	return []wire.Option{
		wire.WithLogger(b.logger),
		wire.WithMaxFrameSize(b.cfg.MaxFrameSize),
		wire.WithWriteTimeout(b.cfg.WriteTimeout),
	}
}

// Serve accepts TCP connections on ln until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	b.logger.Info("broker listening", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.wg.Wait()
				return nil
			}
			b.logger.Warn("broker accept failed", "error", err)
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.ServeConn(ctx, wire.New(nc, b.connOptions()...))
		}()
	}
}

// ServeConn runs the frame loop for one connection until it closes or ctx
// is cancelled, then releases everything the connection held.
func (b *Broker) ServeConn(ctx context.Context, conn *wire.Conn) {
	p := b.attach(conn)
	defer b.detach(p)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for frame := range conn.Frames() {
		b.handle(ctx, p, frame)
	}
	if err := conn.Err(); err != nil {
		b.logger.Debug("broker: connection read error", "conn_id", p.id, "error", err)
	}
}

func (b *Broker) attach(conn *wire.Conn) *peer {
	p := &peer{conn: conn, accepted: time.Now()}
	if b.cfg.FramesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(b.cfg.FramesPerSecond), max(b.cfg.Burst, 1))
	}

	b.mu.Lock()
	b.nextID++
	p.id = b.nextID
	b.peers[p.id] = p
	b.mu.Unlock()

	b.logger.Debug("broker: connection accepted", "conn_id", p.id, "remote", conn.RemoteAddr())
	return p
}

type failedJob struct {
	jobID  string
	caller *wire.Conn
}

// detach removes the connection from the registry and fails every job still
// pending against it.
func (b *Broker) detach(p *peer) {
	p.conn.Close()

	b.mu.Lock()
	delete(b.peers, p.id)
	touched, emptied := b.registry.removeConn(p.id)

	var failed []failedJob
	for id, byCaller := range b.jobs {
		for callerID, job := range byCaller {
			switch {
			case job.provider == p.id:
				b.dropJob(id, callerID)
				if caller, ok := b.peers[callerID]; ok {
					failed = append(failed, failedJob{jobID: id, caller: caller.conn})
				}
			case callerID == p.id:
				b.dropJob(id, callerID)
			}
		}
	}
	b.mu.Unlock()

	for _, f := range failed {
		if err := f.caller.Send(domain.ErrorFrame(f.jobID, domain.RemoteTransportError)); err != nil {
			b.logger.Debug("broker: could not notify caller", "jobid", f.jobID, "error", err)
		}
	}

	if p.role == domain.RoleService {
		b.logger.Info("provider disconnected",
			"conn_id", p.id,
			"namespaces", touched,
			"removed", emptied,
			"failed_jobs", len(failed),
		)
	} else {
		b.logger.Debug("broker: connection closed", "conn_id", p.id, "role", string(p.role))
	}
}

func (b *Broker) handle(ctx context.Context, p *peer, f domain.Frame) {
	switch {
	case f.Type == domain.FrameHandshake:
		b.handshake(p, f)
	case f.Type == domain.FrameCall:
		b.call(ctx, p, f)
	case f.IsResponse():
		b.respond(p, f)
	case f.Type == domain.FrameError:
		b.logger.Debug("broker: peer reported error", "conn_id", p.id, "error", f.Error)
	default:
		b.logger.Warn("broker: unexpected frame", "conn_id", p.id, "type", string(f.Type))
	}
}

func (b *Broker) handshake(p *peer, f domain.Frame) {
	switch f.Role {
	case domain.RoleClient:
		b.mu.Lock()
		if p.role == "" {
			p.role = domain.RoleClient
		}
		role := p.role
		b.mu.Unlock()
		if role != domain.RoleClient {
			b.reply(p, domain.ErrorFrame("", "already registered as "+string(role)))
			return
		}
		b.reply(p, domain.AckFrame())

	case domain.RoleService:
		if f.Name == "" {
			b.reply(p, domain.ErrorFrame("", "missing namespace"))
			return
		}
		if f.Name == BuiltinNamespace {
			b.reply(p, domain.ErrorFrame("", domain.ErrReservedNamespace.Error()))
			return
		}
		b.mu.Lock()
		if p.role == domain.RoleClient {
			b.mu.Unlock()
			b.reply(p, domain.ErrorFrame("", "already registered as client"))
			return
		}
		p.role = domain.RoleService
		p.names = append(p.names, f.Name)
		b.registry.add(f.Name, p.id, f.Services)
		providers := len(b.registry.namespaces[f.Name].providers)
		b.mu.Unlock()

		b.logger.Info("provider registered",
			"conn_id", p.id,
			"namespace", f.Name,
			"methods", len(f.Services),
			"providers", providers,
		)
		b.reply(p, domain.AckFrame())

	default:
		b.reply(p, domain.ErrorFrame("", "unknown role"))
	}
}

func (b *Broker) call(ctx context.Context, p *peer, f domain.Frame) {
	if p.role == "" {
		b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteHandshakeRequired))
		return
	}
	if f.JobID == "" {
		b.logger.Warn("broker: call without jobid", "conn_id", p.id, "namespace", f.Namespace, "method", f.Service)
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		b.logger.Warn("broker: rate limited", "conn_id", p.id, "namespace", f.Namespace, "method", f.Service)
		b.reply(p, domain.ErrorFrame(f.JobID, domain.ErrRateLimit.Error()))
		return
	}
	if f.Namespace == BuiltinNamespace {
		b.builtin(p, f)
		return
	}
	b.route(ctx, p, f)
}

// route forwards a call to the next provider of its namespace. Unknown
// namespaces and methods are answered immediately and leave no pending job.
func (b *Broker) route(ctx context.Context, p *peer, f domain.Frame) {
	_, span := tracer.StartCall(ctx, "broker.route", f.Namespace, f.Service)
	defer span.End()

	b.mu.Lock()
	if _, dup := b.jobs[f.JobID][p.id]; dup {
		b.mu.Unlock()
		err := domain.NewDomainError("Broker.route", domain.ErrProtocol, "duplicate jobid "+f.JobID)
		tracer.RecordError(span, err)
		b.reply(p, domain.ErrorFrame(f.JobID, "duplicate jobid"))
		return
	}
	providerID, err := b.registry.pick(f.Namespace, f.Service)
	if err != nil {
		b.mu.Unlock()
		b.notFound.Add(1)
		tracer.RecordError(span, err)
		b.logger.Debug("broker: no such service", "namespace", f.Namespace, "method", f.Service)
		b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteNoSuchService))
		return
	}
	provider := b.peers[providerID]
	if b.jobs[f.JobID] == nil {
		b.jobs[f.JobID] = make(map[connID]pendingJob, 1)
	}
	b.jobs[f.JobID][p.id] = pendingJob{
		caller:    p.id,
		provider:  providerID,
		namespace: f.Namespace,
		method:    f.Service,
		started:   time.Now(),
	}
	b.mu.Unlock()

	b.routed.Add(1)
	tracer.SetProvider(span, uint64(providerID))

	if err := provider.conn.Send(domain.CallFrame(f.Namespace, f.Service, f.Data, f.JobID)); err != nil {
		tracer.RecordError(span, err)
		if b.takeJob(f.JobID, p.id) {
			b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteTransportError))
		}
		return
	}
	tracer.SetOK(span)
}

// respond carries a provider's answer back to the caller that issued the job.
// Providers of a namespace are shared, so the answer is accepted from any
// service connection exporting the job's namespace, not only the one the
// call was forwarded to. Each job is answered at most once.
func (b *Broker) respond(p *peer, f domain.Frame) {
	b.mu.Lock()
	job, ok := b.matchJob(p, f.JobID)
	if ok {
		b.dropJob(f.JobID, job.caller)
	}
	var caller *peer
	if ok {
		caller = b.peers[job.caller]
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("broker: dropping response for unknown job", "conn_id", p.id, "jobid", f.JobID)
		return
	}
	if caller == nil {
		b.logger.Debug("broker: caller gone before response", "jobid", f.JobID)
		return
	}

	b.logger.Debug("broker: job done",
		"namespace", job.namespace,
		"method", job.method,
		"provider", job.provider,
		"responder", p.id,
		"duration", time.Since(job.started),
		"failed", f.Failed(),
	)
	if err := caller.conn.Send(f); err != nil {
		b.logger.Debug("broker: could not deliver response", "jobid", f.JobID, "error", err)
	}
}

// matchJob finds the pending job a respond frame from p answers. Jobs
// forwarded to p come first, then jobs in any namespace p provides. Among
// equals the oldest wins. Callers must hold b.mu.
func (b *Broker) matchJob(p *peer, id string) (pendingJob, bool) {
	if p.role != domain.RoleService {
		return pendingJob{}, false
	}
	var (
		best      pendingJob
		bestOwned bool
		found     bool
	)
	for _, job := range b.jobs[id] {
		owned := job.provider == p.id
		if !owned && !slices.Contains(p.names, job.namespace) {
			continue
		}
		switch {
		case !found, owned && !bestOwned:
		case owned == bestOwned && job.started.Before(best.started):
		default:
			continue
		}
		best, bestOwned, found = job, owned, true
	}
	return best, found
}

// dropJob removes one pending job. Callers must hold b.mu.
func (b *Broker) dropJob(id string, caller connID) {
	byCaller := b.jobs[id]
	delete(byCaller, caller)
	if len(byCaller) == 0 {
		delete(b.jobs, id)
	}
}

func (b *Broker) takeJob(id string, caller connID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[id][caller]; !ok {
		return false
	}
	b.dropJob(id, caller)
	return true
}

// builtin serves the broker's own namespace.
func (b *Broker) builtin(p *peer, f domain.Frame) {
	var result any
	switch f.Service {
	case "list_providers":
		b.mu.Lock()
		names := append(b.registry.list(), BuiltinNamespace)
		b.mu.Unlock()
		slices.Sort(names)
		result = names

	case "list_methods":
		var args struct {
			Namespace string `json:"namespace"`
		}
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &args); err != nil {
				b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteInvalidDataType))
				return
			}
		}
		if args.Namespace == BuiltinNamespace {
			result = []string{"list_methods", "list_providers"}
			break
		}
		b.mu.Lock()
		methods, ok := b.registry.methodsOf(args.Namespace)
		b.mu.Unlock()
		if !ok {
			b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteNoSuchService))
			return
		}
		result = methods

	default:
		b.notFound.Add(1)
		b.reply(p, domain.ErrorFrame(f.JobID, domain.RemoteNoSuchService))
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		b.reply(p, domain.HandlerErrorFrame(f.JobID, err.Error()))
		return
	}
	b.routed.Add(1)
	b.reply(p, domain.RespondFrame(f.JobID, raw))
}

func (b *Broker) reply(p *peer, f domain.Frame) {
	if err := p.conn.Send(f); err != nil {
		b.logger.Debug("broker: reply failed", "conn_id", p.id, "error", err)
	}
}

// Stats is a point-in-time snapshot of broker state.
type Stats struct {
	Clients         int            `json:"clients"`
	Services        int            `json:"services"`
	Unauthenticated int            `json:"unauthenticated"`
	Providers       map[string]int `json:"providers"`
	PendingJobs     int            `json:"pending_jobs"`
	Routed          uint64         `json:"routed"`
	NotFound        uint64         `json:"not_found"`
}

// Stats returns the current connection, registry and job counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Providers:   b.registry.providerCounts(),
		PendingJobs: b.pendingJobs(),
		Routed:      b.routed.Load(),
		NotFound:    b.notFound.Load(),
	}
	for _, p := range b.peers {
		switch p.role {
		case domain.RoleClient:
			s.Clients++
		case domain.RoleService:
			s.Services++
		default:
			s.Unauthenticated++
		}
	}
	return s
}

func (b *Broker) pendingJobs() int {
	n := 0
	for _, byCaller := range b.jobs {
		n += len(byCaller)
	}
	return n
}

// Shutdown closes every connection. Frame loops exit and release their state.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	conns := make([]*wire.Conn, 0, len(b.peers))
	for _, p := range b.peers {
		conns = append(conns, p.conn)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
