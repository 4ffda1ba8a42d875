package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/approval-flow/assign"
	"github.com/songzhibin97/approval-flow/cache"
	"github.com/songzhibin97/approval-flow/config"
	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/events"
	"github.com/songzhibin97/approval-flow/freeflow"
	"github.com/songzhibin97/approval-flow/history"
	"github.com/songzhibin97/approval-flow/lock"
	"github.com/songzhibin97/approval-flow/metrics"
	"github.com/songzhibin97/approval-flow/routing"
	"github.com/songzhibin97/approval-flow/rules"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/task"
	"github.com/songzhibin97/approval-flow/tracing"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// Options are the tunables of an Engine.
type Options struct {
	LockWait              time.Duration
	LockLease             time.Duration
	CacheTTL              time.Duration
	MaxRouteDepth         int
	DefaultDocumentStatus int
	ActionRetries         int
	ActionRetryDelay      time.Duration
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() Options {
	return Options{
		LockWait:              3 * time.Second,
		LockLease:             10 * time.Second,
		CacheTTL:              30 * time.Minute,
		MaxRouteDepth:         100,
		DefaultDocumentStatus: 1,
		ActionRetryDelay:      time.Second,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig applies the lock, cache and engine sections of cfg.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) {
		e.opts.LockWait = cfg.Lock.WaitTime.Std()
		e.opts.LockLease = cfg.Lock.LeaseTime.Std()
		e.opts.CacheTTL = cfg.Cache.TTL.Std()
		e.opts.MaxRouteDepth = cfg.Engine.MaxRouteDepth
		e.opts.DefaultDocumentStatus = cfg.Engine.DefaultDocumentStatus
	}
}

// WithOptions replaces the tunables.
func WithOptions(o Options) Option {
	return func(e *Engine) { e.opts = o }
}

// WithLocker serializes commands per flow instance. Without it the engine
// uses an in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCache enables cache-aside reads of instances and definitions.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records command, lock, cache and failure metrics.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvaluator replaces the expression evaluator.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) { e.eval = ev }
}

// WithEventBus publishes flow events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithDocuments supplies document status for free-flow rules.
func WithDocuments(d freeflow.Documents) Option {
	return func(e *Engine) { e.documents = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs flow instances. Commands on one instance are serialized with
// the configured Locker; without one they rely on the caller.
type Engine struct {
	store      storage.Storage
	generate   generator.Generator
	dir        directory.Directory
	eval       rules.Evaluator
	router     *routing.Router
	assigner   *assign.Registry
	tasks      *task.Manager
	history    *history.Recorder
	dispatcher *events.Dispatcher
	bus        *events.EventBus
	freeflow   *freeflow.Service
	documents  freeflow.Documents
	locker     lock.Locker
	cache      cache.Cache
	aside      *cache.Aside
	metrics    *metrics.Collectors
	logger     *zap.Logger
	now        func() time.Time
	opts       Options

	mu      sync.RWMutex
	actions map[string]Action
}

// New creates an engine over store and dir.
func New(generate generator.Generator, store storage.Storage, dir directory.Directory, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, ErrGeneratorRequired
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if dir == nil {
		dir = directory.NewStaticDirectory(nil, nil)
	}

	e := &Engine{
		store:    store,
		generate: generate,
		dir:      dir,
		logger:   zap.NewNop(),
		now:      time.Now,
		opts:     DefaultOptions(),
		actions:  make(map[string]Action),
	}
	for _, option := range options {
		option(e)
	}
	if e.eval == nil {
		e.eval = rules.NewExprEvaluator()
	}
	if e.locker == nil {
		e.locker = lock.NewMemoryLocker(0)
	}
	if e.bus == nil {
		e.bus = events.NewEventBus(events.WithLogger(e.logger))
	}
	if e.documents == nil {
		e.documents = freeflow.FixedStatus(e.opts.DefaultDocumentStatus)
	}
	if e.opts.MaxRouteDepth <= 0 {
		e.opts.MaxRouteDepth = DefaultOptions().MaxRouteDepth
	}

	e.router = routing.NewRouter(e.eval, e.logger)
	e.assigner = assign.NewRegistry(dir, e.logger)
	e.tasks = task.NewManager(store, generate, e.logger)
	e.history = history.NewRecorder(store, generate, e.logger, history.WithFailureHook(e.metrics.HistoryFailed))
	e.dispatcher = events.NewDispatcher(e.tasks, e.history,
		events.WithCache(e.cache),
		events.WithBus(e.bus),
		events.WithDispatchLogger(e.logger),
		events.WithDispatchFailureHook(func(k types.EffectKind) { e.metrics.EffectFailed(string(k)) }))
	e.freeflow = freeflow.NewService(store, dir, e.logger)
	if e.cache != nil {
		e.aside = &cache.Aside{
			Cache:   e.cache,
			Locker:  e.locker,
			TTL:     e.opts.CacheTTL,
			Wait:    e.opts.LockWait,
			Lease:   e.opts.LockLease,
			Logger:  e.logger,
			Observe: e.metrics.ObserveCache,
		}
	}
	return e, nil
}

// Router exposes the routing engine, e.g. to register gateway strategies.
func (e *Engine) Router() *routing.Router { return e.router }

// Assigner exposes the approver strategy registry.
func (e *Engine) Assigner() *assign.Registry { return e.assigner }

// SubscribeEvent subscribes handler to a flow event such as types.EventFlowCompleted.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) events.Subscription {
	return e.bus.Subscribe(eventType, handler)
}

// Stop stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}

func (e *Engine) definition(ctx context.Context, op string, id uint64) (types.FlowDefinition, error) {
	load := func(ctx context.Context) (types.FlowDefinition, error) {
		return e.store.GetDefinition(ctx, id)
	}
	var (
		def types.FlowDefinition
		err error
	)
	if e.aside != nil {
		def, err = cache.GetWithLock(ctx, e.aside, cache.DefinitionKey(id), load)
	} else {
		def, err = load(ctx)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return def, errorf(KindNotFound, op, "flow definition %d: %w", id, err)
	}
	if err != nil {
		return def, wrap(KindCollaborator, op, err)
	}
	return def, nil
}

func (e *Engine) evictDefinition(ctx context.Context, id uint64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Evict(ctx, cache.DefinitionKey(id)); err != nil {
		e.logger.Warn("definition cache evict failed", zap.Uint64("flow_def_id", id), zap.Error(err))
	}
}

func lockKey(flowInstanceID uint64) string {
	return fmt.Sprintf("flow-instance:%d", flowInstanceID)
}

// withInstanceLock runs fn holding the lock of a flow instance. When the lock
// cannot be acquired fn runs unlocked, trading a small risk of duplicate side
// effects for availability.
func (e *Engine) withInstanceLock(ctx context.Context, flowInstanceID uint64, fn func(context.Context) (types.Result, error)) (types.Result, error) {
	key := lockKey(flowInstanceID)
	res, acquired, err := lock.ExecuteWithLock(ctx, e.locker, key, e.opts.LockWait, e.opts.LockLease, fn)
	if acquired {
		e.metrics.ObserveLock(metrics.LockAcquired)
		return res, err
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.metrics.ObserveLock(metrics.LockError)
		e.logger.Warn("lock failed, executing unlocked", zap.String("lock_key", key), zap.Error(err))
	} else {
		e.metrics.ObserveLock(metrics.LockTimeout)
		e.logger.Warn("lock wait exceeded, executing unlocked", zap.String("lock_key", key))
	}
	return fn(ctx)
}

// mutate loads a flow instance, applies fn to a copy and commits the copy.
// Nothing is saved when fn fails.
func (e *Engine) mutate(ctx context.Context, op string, flowInstanceID uint64, fn func(t *transition) error) (res types.Result, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "workflow."+op, map[string]uint64{"flow_instance_id": flowInstanceID})
	defer func() {
		span.End(err)
		e.metrics.ObserveCommand(op, start, err)
	}()

	var orphans []uint64
	res, err = e.withInstanceLock(ctx, flowInstanceID, func(ctx context.Context) (types.Result, error) {
		stored, err := e.store.GetInstance(ctx, flowInstanceID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.Result{}, errorf(KindNotFound, op, "flow instance %d: %w", flowInstanceID, err)
		} else if err != nil {
			return types.Result{}, wrap(KindCollaborator, op, err)
		}
		def, err := e.definition(ctx, op, stored.FlowDefID)
		if err != nil {
			return types.Result{}, err
		}
		t := e.newTransition(ctx, op, def, stored.Clone())
		if err := fn(t); err != nil {
			return types.Result{}, err
		}
		res, err := e.commit(ctx, t)
		if err == nil {
			orphans = t.orphans
		}
		return res, err
	})
	if err == nil {
		e.withdrawChildren(ctx, orphans, op)
	}
	return res, err
}

// commit saves the instance and performs the collected effects.
func (e *Engine) commit(ctx context.Context, t *transition) (types.Result, error) {
	t.settleCurrent()
	t.inst.UpdatedAt = t.now
	flow := t.inst.Clone()
	t.effects = append(t.effects,
		types.Effect{Kind: types.EffectFlowHistory, FlowInstanceID: t.inst.ID, Instance: flow, At: t.now},
		types.Effect{Kind: types.EffectCacheEvict, FlowInstanceID: t.inst.ID, At: t.now},
	)
	if err := e.store.SaveInstance(ctx, *t.inst); err != nil {
		return types.Result{}, wrap(KindCollaborator, t.op, fmt.Errorf("save flow instance %d: %w", t.inst.ID, err))
	}
	e.dispatcher.Dispatch(ctx, t.effects)
	e.logger.Debug("flow instance committed",
		zap.String("command", t.op),
		zap.Uint64("flow_instance_id", t.inst.ID),
		zap.String("status", string(t.inst.Status)),
		zap.Uint64("node_id", t.inst.CurrentNodeID))
	return types.Result{Instance: t.inst, Effects: t.effects}, nil
}

func (e *Engine) nextID(op string) (uint64, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return 0, wrap(KindCollaborator, op, fmt.Errorf("generate id: %w", err))
	}
	return id, nil
}
