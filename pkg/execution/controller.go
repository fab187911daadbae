package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nepi-go/nepi/pkg/execution"

// Validator inspects the experiment before resources are deployed.
type Validator func(ec *ExperimentController) error

// ExperimentController owns the resource managers of one experiment and
// drives them through their lifecycles on a bounded worker pool.
//
// Registration (resources, connections, conditions, attributes) happens
// before Deploy. Deploy returns immediately; callers block on the Wait
// methods and finish with Shutdown.
type ExperimentController struct {
	cfg       Config
	registry  *TypeRegistry
	logger    zerolog.Logger
	tracer    trace.Tracer
	publisher EventPublisher
	fm        *FailureManager

	// lifecycle serializes Deploy and Shutdown
	lifecycle sync.Mutex

	mu         sync.RWMutex
	resources  map[Guid]*ResourceManager
	order      []Guid
	nextGuid   Guid
	validators []Validator
	runID      string
	state      ControllerState
	sched      *scheduler
	runCtx     context.Context
	cancelRun  context.CancelFunc
	span       trace.Span

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// NewController creates an experiment controller using the types in reg.
func NewController(reg *TypeRegistry, cfg Config) (*ExperimentController, error) {
	if reg == nil {
		return nil, fmt.Errorf("type registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if cfg.ExperimentID == "" {
		cfg.ExperimentID = uuid.New().String()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}

	return &ExperimentController{
		cfg:       cfg,
		registry:  reg,
		logger:    cfg.Logger.With().Str("experiment_id", cfg.ExperimentID).Logger(),
		tracer:    cfg.Tracer,
		publisher: cfg.Publisher,
		fm:        NewFailureManager(),
		resources: make(map[Guid]*ResourceManager),
		nextGuid:  1,
		runID:     uuid.New().String(),
		state:     ControllerNew,
		notifyCh:  make(chan struct{}),
	}, nil
}

// ID returns the experiment id.
func (ec *ExperimentController) ID() string { return ec.cfg.ExperimentID }

// Config returns the controller configuration.
func (ec *ExperimentController) Config() Config { return ec.cfg }

// Registry returns the type registry.
func (ec *ExperimentController) Registry() *TypeRegistry { return ec.registry }

// RunDir returns the directory resources keep run files in.
func (ec *ExperimentController) RunDir() string { return ec.cfg.RunDir }

// Logger returns the controller logger.
func (ec *ExperimentController) Logger() *zerolog.Logger { return &ec.logger }

// RunID returns the id of the current deploy cycle.
func (ec *ExperimentController) RunID() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.runID
}

// State returns the controller state.
func (ec *ExperimentController) State() ControllerState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.state
}

// FailureManager returns the failure bookkeeping of the current cycle.
func (ec *ExperimentController) FailureManager() *FailureManager { return ec.fm }

// FailureLevel returns the experiment-level failure severity.
func (ec *ExperimentController) FailureLevel() FailureLevel { return ec.fm.Level() }

// Abort reports whether deploy and start actions are suppressed.
func (ec *ExperimentController) Abort() bool { return ec.fm.Abort() }

// RegisterResource creates a resource manager of type rtype and returns its guid.
func (ec *ExperimentController) RegisterResource(rtype string) (Guid, error) {
	return ec.registerResource(rtype, 0)
}

// registerResource adds a resource with the given guid, or the next free
// one when guid is zero.
func (ec *ExperimentController) registerResource(rtype string, guid Guid) (Guid, error) {
	info, err := ec.registry.Lookup(rtype)
	if err != nil {
		return 0, err
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if guid == 0 {
		guid = ec.nextGuid
	}
	if _, exists := ec.resources[guid]; exists {
		return 0, fmt.Errorf("guid %d already registered", guid)
	}
	rm, err := newResourceManager(ec, guid, info)
	if err != nil {
		return 0, err
	}
	ec.resources[guid] = rm
	ec.order = append(ec.order, guid)
	if guid >= ec.nextGuid {
		ec.nextGuid = guid + 1
	}
	ec.logger.Debug().Int("guid", int(guid)).Str("rtype", rtype).Msg("Registered resource")
	return guid, nil
}

// Resource returns the resource manager with the given guid.
func (ec *ExperimentController) Resource(guid Guid) (*ResourceManager, error) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	rm, ok := ec.resources[guid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResource, guid)
	}
	return rm, nil
}

// Resources returns every resource manager in registration order.
func (ec *ExperimentController) Resources() []*ResourceManager {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]*ResourceManager, 0, len(ec.order))
	for _, guid := range ec.order {
		out = append(out, ec.resources[guid])
	}
	return out
}

// ResourcesByType returns the resource managers of rtype in registration order.
func (ec *ExperimentController) ResourcesByType(rtype string) []*ResourceManager {
	var out []*ResourceManager
	for _, rm := range ec.Resources() {
		if rm.rtype == rtype {
			out = append(out, rm)
		}
	}
	return out
}

// Guids returns every guid in registration order.
func (ec *ExperimentController) Guids() []Guid {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make([]Guid, len(ec.order))
	copy(out, ec.order)
	return out
}

// StateOf returns the lifecycle state of a resource.
func (ec *ExperimentController) StateOf(guid Guid) (ResourceState, error) {
	rm, err := ec.Resource(guid)
	if err != nil {
		return StateNew, err
	}
	return rm.State(), nil
}

// Get returns an attribute value of a resource.
func (ec *ExperimentController) Get(guid Guid, name string) (any, error) {
	rm, err := ec.Resource(guid)
	if err != nil {
		return nil, err
	}
	return rm.Get(name)
}

// Set writes an attribute of a resource, enforcing attribute flags.
func (ec *ExperimentController) Set(guid Guid, name string, value any) error {
	rm, err := ec.Resource(guid)
	if err != nil {
		return err
	}
	return rm.Set(name, value)
}

// RegisterConnection links two resources. Both sides must accept the peer.
func (ec *ExperimentController) RegisterConnection(a, b Guid) error {
	if a == b {
		return fmt.Errorf("%w: resource %d cannot connect to itself", ErrInvalidConnection, a)
	}
	rmA, err := ec.Resource(a)
	if err != nil {
		return err
	}
	rmB, err := ec.Resource(b)
	if err != nil {
		return err
	}
	if !acceptsConnection(rmA, rmB) || !acceptsConnection(rmB, rmA) {
		return fmt.Errorf("%w: %s <-> %s", ErrInvalidConnection, rmA, rmB)
	}
	rmA.connect(b)
	rmB.connect(a)
	return nil
}

func acceptsConnection(rm, peer *ResourceManager) bool {
	v, ok := rm.impl.(ConnectionValidator)
	if !ok {
		return true
	}
	return v.ValidConnection(rm, peer)
}

// UnregisterConnection removes the link between two resources.
func (ec *ExperimentController) UnregisterConnection(a, b Guid) error {
	rmA, err := ec.Resource(a)
	if err != nil {
		return err
	}
	rmB, err := ec.Resource(b)
	if err != nil {
		return err
	}
	rmA.disconnect(b)
	rmB.disconnect(a)
	return nil
}

// RegisterCondition gates action on every resource in guids until all of
// group reached state and after has elapsed since the latest of them did.
// Group members that are not registered are kept but never satisfy the
// condition.
func (ec *ExperimentController) RegisterCondition(guids []Guid, action ResourceAction, group []Guid, state ResourceState, after time.Duration) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if len(group) == 0 {
		return fmt.Errorf("condition group is empty")
	}
	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}
	for _, g := range group {
		if _, err := ec.Resource(g); err != nil {
			ec.logger.Warn().Int("guid", int(g)).Str("action", action.String()).
				Msg("Condition references an unregistered resource")
		}
	}
	for _, rm := range rms {
		rm.RegisterCondition(action, group, state, after)
	}
	return nil
}

// UnregisterCondition removes group members from the conditions of the
// resources in guids, for the given actions or all of them.
func (ec *ExperimentController) UnregisterCondition(guids []Guid, group []Guid, actions ...ResourceAction) error {
	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}
	for _, rm := range rms {
		rm.UnregisterCondition(group, actions...)
	}
	return nil
}

// EnableTrace asks a resource to collect the named trace.
func (ec *ExperimentController) EnableTrace(guid Guid, name string) error {
	rm, err := ec.Resource(guid)
	if err != nil {
		return err
	}
	rm.EnableTrace(name)
	return nil
}

// Trace retrieves trace data from a resource.
func (ec *ExperimentController) Trace(ctx context.Context, guid Guid, name string, attr TraceAttr) (string, error) {
	rm, err := ec.Resource(guid)
	if err != nil {
		return "", err
	}
	t, ok := rm.impl.(Tracer)
	if !ok {
		return "", fmt.Errorf("resource type %s does not provide traces", rm.rtype)
	}
	var out string
	err = ec.invoke(ctx, rm, "trace", func(ctx context.Context) error {
		var terr error
		out, terr = t.Trace(ctx, rm, name, attr)
		return terr
	})
	return out, err
}

// AddValidator registers a check that runs at the start of every Deploy.
func (ec *ExperimentController) AddValidator(v Validator) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.validators = append(ec.validators, v)
}

// Schedule runs fn on the worker pool after delay.
func (ec *ExperimentController) Schedule(delay time.Duration, fn func()) error {
	if !ec.schedule(delay, fn) {
		return ErrControllerShutdown
	}
	return nil
}

func (ec *ExperimentController) schedule(delay time.Duration, fn func()) bool {
	ec.mu.RLock()
	s := ec.sched
	ec.mu.RUnlock()
	if s == nil {
		return false
	}
	return s.schedule(delay, fn)
}

func (ec *ExperimentController) reschedule(fn func()) {
	ec.schedule(ec.cfg.RescheduleDelay, fn)
}

// lookup resolves guids, or every resource when guids is empty.
func (ec *ExperimentController) lookup(guids []Guid) ([]*ResourceManager, error) {
	if len(guids) == 0 {
		return ec.Resources(), nil
	}
	out := make([]*ResourceManager, 0, len(guids))
	for _, guid := range guids {
		rm, err := ec.Resource(guid)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

// Deploy schedules the deployment of the given resources (all of them when
// none are given) and returns immediately. Resources that are not NEW are
// skipped, which allows incremental deploys.
func (ec *ExperimentController) Deploy(ctx context.Context, opts DeployOptions, guids ...Guid) error {
	ec.lifecycle.Lock()
	defer ec.lifecycle.Unlock()

	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}

	ec.beginCycle(ctx)

	if err := ec.runValidators(ctx); err != nil {
		return err
	}

	group := make([]*ResourceManager, 0, len(rms))
	for _, rm := range rms {
		if rm.State() == StateNew {
			group = append(group, rm)
		}
	}

	ec.logger.Info().
		Str("run_id", ec.RunID()).
		Int("resources", len(group)).
		Bool("wait_all_ready", opts.WaitAllReady).
		Msg("Deploying resources")
	ec.publish(ctx, &Event{Type: EventDeployStarted})

	for _, rm := range group {
		ec.schedule(0, ec.deployTask(rm, opts.WaitAllReady))
	}
	if opts.WaitAllReady && len(group) > 0 {
		ec.schedule(0, ec.startGroupTask(group))
	}
	return nil
}

// beginCycle starts the scheduler, resetting resources if the controller
// was shut down before.
func (ec *ExperimentController) beginCycle(ctx context.Context) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.state == ControllerReleased {
		for _, rm := range ec.resources {
			rm.reset()
		}
		ec.fm.Reset()
		ec.runID = uuid.New().String()
		ec.state = ControllerNew
	}
	ec.startSchedulerLocked(ctx)
	if ec.state == ControllerNew {
		ec.state = ControllerRunning
	}
}

// startSchedulerLocked starts the worker pool and the experiment span that
// lasts until Shutdown. Hooks run under the span but not under the
// caller's cancellation.
func (ec *ExperimentController) startSchedulerLocked(parent context.Context) {
	if ec.sched != nil {
		return
	}
	ec.sched = newScheduler(ec.cfg.Workers, ec.logger)
	ctx, span := ec.tracer.Start(
		trace.ContextWithSpan(context.Background(), trace.SpanFromContext(parent)),
		"experiment.execute",
		trace.WithAttributes(
			attribute.String("nepi.experiment_id", ec.cfg.ExperimentID),
			attribute.String("nepi.run_id", ec.runID),
		),
	)
	ec.span = span
	ec.runCtx, ec.cancelRun = context.WithCancel(ctx)
}

func (ec *ExperimentController) runValidators(ctx context.Context) error {
	ec.mu.RLock()
	validators := make([]Validator, len(ec.validators))
	copy(validators, ec.validators)
	ec.mu.RUnlock()

	for _, v := range validators {
		if err := ec.callValidator(v); err != nil {
			ec.failController(ctx, err)
			return err
		}
	}
	return nil
}

func (ec *ExperimentController) callValidator(v Validator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("validator panicked: %v", r), nil).
				WithCode(ErrCodeHookPanicked)
		}
	}()
	if verr := v(ec); verr != nil {
		return NewPermanentError("experiment validation failed", verr).WithCode(ErrCodeValidation)
	}
	return nil
}

// failController records a controller-level failure.
func (ec *ExperimentController) failController(ctx context.Context, err error) {
	ec.logger.Error().Err(err).Msg("Experiment controller failed")
	ec.fm.SetECFailure()
	ec.setState(ControllerFailed)
	ec.publish(ctx, &Event{Type: EventControllerFailed, Error: err.Error()})
	ec.notify()
}

// Fail records a controller-level failure from outside the scheduler, for
// instance a failing metric callback.
func (ec *ExperimentController) Fail(err error) {
	ec.failController(context.Background(), err)
}

func (ec *ExperimentController) setState(s ControllerState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state != ControllerReleased {
		ec.state = s
	}
}

// Start schedules a start for the given resources.
func (ec *ExperimentController) Start(guids ...Guid) error {
	return ec.submit(guids, ec.startTask)
}

// Stop schedules a stop for the given resources.
func (ec *ExperimentController) Stop(guids ...Guid) error {
	return ec.submit(guids, ec.stopTask)
}

// Release schedules a release for the given resources.
func (ec *ExperimentController) Release(guids ...Guid) error {
	dependents := ec.dependents()
	return ec.submit(guids, func(rm *ResourceManager) func() {
		return ec.releaseTask(rm, dependents[rm.guid])
	})
}

func (ec *ExperimentController) submit(guids []Guid, task func(*ResourceManager) func()) error {
	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}
	for _, rm := range rms {
		if !ec.schedule(0, task(rm)) {
			return ErrControllerShutdown
		}
	}
	return nil
}

// Wait blocks until every resource in guids (all when empty) reached
// target, or a terminal state, or the experiment aborted. Waiting for
// RELEASED ignores the abort flag and FAILED.
func (ec *ExperimentController) Wait(ctx context.Context, target ResourceState, guids ...Guid) error {
	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}
	return ec.waitUntil(ctx, func() bool { return ec.allReached(rms, target) })
}

func (ec *ExperimentController) waitUntil(ctx context.Context, done func() bool) error {
	for {
		changed := ec.changed()
		if done() {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ec *ExperimentController) allReached(rms []*ResourceManager, target ResourceState) bool {
	if target != StateReleased && ec.fm.Abort() {
		return true
	}
	for _, rm := range rms {
		state := rm.State()
		switch {
		case state == target, state == StateReleased:
		case target == StateReleased:
			return false
		case state == StateFailed:
		case state < target:
			return false
		}
	}
	return true
}

// WaitDeployed waits until the resources are READY.
func (ec *ExperimentController) WaitDeployed(ctx context.Context, guids ...Guid) error {
	return ec.Wait(ctx, StateReady, guids...)
}

// WaitStarted waits until the resources are STARTED.
func (ec *ExperimentController) WaitStarted(ctx context.Context, guids ...Guid) error {
	return ec.Wait(ctx, StateStarted, guids...)
}

// WaitStopped waits until the resources are STOPPED.
func (ec *ExperimentController) WaitStopped(ctx context.Context, guids ...Guid) error {
	return ec.Wait(ctx, StateStopped, guids...)
}

// WaitFinished waits until the resources finished running. A resource is
// finished when it is STOPPED, FAILED or RELEASED, or when it is STARTED
// and nothing will ever stop it: it is not a Monitor and has no STOP
// conditions. Nodes and links are in the latter group.
func (ec *ExperimentController) WaitFinished(ctx context.Context, guids ...Guid) error {
	rms, err := ec.lookup(guids)
	if err != nil {
		return err
	}
	return ec.waitUntil(ctx, func() bool { return ec.allFinished(rms) })
}

func (ec *ExperimentController) allFinished(rms []*ResourceManager) bool {
	if ec.fm.Abort() {
		return true
	}
	for _, rm := range rms {
		switch rm.State() {
		case StateStopped, StateFailed, StateReleased:
		case StateStarted:
			if canFinish(rm) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// canFinish reports whether a started resource can leave STARTED on its own.
func canFinish(rm *ResourceManager) bool {
	if _, ok := rm.impl.(Monitor); ok {
		return true
	}
	return len(rm.Conditions(ActionStop)) > 0
}

// WaitReleased waits until the resources are RELEASED.
func (ec *ExperimentController) WaitReleased(ctx context.Context, guids ...Guid) error {
	return ec.Wait(ctx, StateReleased, guids...)
}

// Shutdown releases every resource, waits up to the shutdown timeout and
// forces whatever is left to RELEASED before stopping the worker pool.
// Calling it again is a no-op; Deploy may be called afterwards to start a
// new cycle.
func (ec *ExperimentController) Shutdown(ctx context.Context) error {
	ec.lifecycle.Lock()
	defer ec.lifecycle.Unlock()

	ec.mu.Lock()
	if ec.state == ControllerReleased {
		ec.mu.Unlock()
		return nil
	}
	ec.startSchedulerLocked(ctx)
	sched, cancelRun, span := ec.sched, ec.cancelRun, ec.span
	ec.mu.Unlock()

	ec.logger.Info().Str("run_id", ec.RunID()).Msg("Shutting down experiment")

	pending := 0
	dependents := ec.dependents()
	for _, rm := range ec.Resources() {
		if rm.State() != StateReleased {
			sched.schedule(0, ec.releaseTask(rm, dependents[rm.guid]))
			pending++
		}
	}

	if pending > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, ec.cfg.ShutdownTimeout)
		err := ec.WaitReleased(waitCtx)
		cancel()
		if err != nil {
			for _, rm := range ec.Resources() {
				if rm.State() == StateReleased {
					continue
				}
				rm.logger.Warn().Str("state", rm.State().String()).Msg("Forcing release after shutdown timeout")
				_ = rm.setState(StateReleased, nil)
			}
		}
	}

	if n := sched.pending(); n > 0 {
		ec.logger.Debug().Int("tasks", n).Msg("Dropping queued tasks")
	}
	cancelRun()
	sched.stop()

	ec.mu.Lock()
	ec.sched = nil
	ec.span = nil
	ec.state = ControllerReleased
	ec.mu.Unlock()

	level := ec.fm.Level()
	span.SetAttributes(attribute.String("nepi.failure_level", level.String()))
	if level >= FailureCriticalRM {
		span.SetStatus(codes.Error, level.String())
	}
	span.End()

	ec.publish(ctx, &Event{Type: EventControllerRelease})
	ec.notify()
	ec.logger.Info().
		Str("failure_level", ec.fm.Level().String()).
		Msg("Experiment released")

	return ctx.Err()
}

// context returns the context lifecycle hooks run under.
func (ec *ExperimentController) context() context.Context {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.runCtx == nil {
		return context.Background()
	}
	return ec.runCtx
}

// changed returns a channel closed on the next observable change.
func (ec *ExperimentController) changed() <-chan struct{} {
	ec.notifyMu.Lock()
	defer ec.notifyMu.Unlock()
	return ec.notifyCh
}

func (ec *ExperimentController) notify() {
	ec.notifyMu.Lock()
	close(ec.notifyCh)
	ec.notifyCh = make(chan struct{})
	ec.notifyMu.Unlock()
}

// transitioned is called by resource managers after every state change.
func (ec *ExperimentController) transitioned(rm *ResourceManager, from, to ResourceState, cause error) {
	ev := &Event{
		Type:     EventTransition,
		Guid:     rm.guid,
		RType:    rm.rtype,
		From:     from,
		To:       to,
		Critical: rm.Critical(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	ec.publish(ec.context(), ev)
	ec.notify()
}

func (ec *ExperimentController) publish(ctx context.Context, ev *Event) {
	ev.ID = uuid.New().String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.ExperimentID = ec.cfg.ExperimentID
	ev.RunID = ec.RunID()
	if err := ec.publisher.Publish(ctx, ev); err != nil {
		ec.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to publish event")
	}
}

// Publish sends an event through the controller's publisher, stamping it
// with the experiment and run ids.
func (ec *ExperimentController) Publish(ctx context.Context, ev *Event) {
	ec.publish(ctx, ev)
}
