package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Every task below runs on a pool worker. A task never waits for another
// resource: when its preconditions do not hold it reschedules itself and
// returns. Tasks for the same resource are serialized by rm.busy; a task
// that finds the resource busy reschedules as well.

func (ec *ExperimentController) deployTask(rm *ResourceManager, waitAllReady bool) func() {
	var task func()
	task = func() {
		if ec.fm.Abort() {
			rm.logger.Debug().Msg("Experiment aborted, skipping deploy")
			return
		}
		if !rm.busy.TryLock() {
			ec.reschedule(task)
			return
		}
		defer rm.busy.Unlock()

		state := rm.State()
		switch {
		case state == StateFailed, state == StateReleased:
			return
		case state >= StateReady:
			if !waitAllReady {
				ec.schedule(0, ec.startTask(rm))
			}
			return
		}

		if missing := rm.missingRequired(); len(missing) > 0 {
			ec.fail(rm, ActionDeploy, NewPermanentError(
				fmt.Sprintf("required attributes not set: %s", strings.Join(missing, ", ")), nil,
			).WithCode(ErrCodeRequiredAttr))
			return
		}
		if !ec.conditionsMet(rm, ActionDeploy) {
			ec.reschedule(task)
			return
		}

		ctx := ec.context()
		err := ec.invoke(ctx, rm, "deploy", func(ctx context.Context) error {
			return rm.impl.Deploy(ctx, rm)
		})
		if err == nil && rm.State() < StateReady {
			err = DefaultDeploy(ctx, rm)
		}
		switch {
		case IsReschedule(err):
			ec.reschedule(task)
			return
		case err != nil:
			ec.fail(rm, ActionDeploy, err)
			return
		}

		if !waitAllReady {
			ec.schedule(0, ec.startTask(rm))
		}
	}
	return task
}

// startGroupTask starts a deploy group once every member is READY or has
// given up (FAILED or RELEASED).
func (ec *ExperimentController) startGroupTask(group []*ResourceManager) func() {
	var task func()
	task = func() {
		if ec.fm.Abort() {
			return
		}
		for _, rm := range group {
			if rm.State() < StateReady {
				ec.reschedule(task)
				return
			}
		}
		for _, rm := range group {
			if rm.State() == StateReady {
				ec.schedule(0, ec.startTask(rm))
			}
		}
	}
	return task
}

func (ec *ExperimentController) startTask(rm *ResourceManager) func() {
	var task func()
	task = func() {
		if ec.fm.Abort() {
			rm.logger.Debug().Msg("Experiment aborted, skipping start")
			return
		}
		if !rm.busy.TryLock() {
			ec.reschedule(task)
			return
		}
		defer rm.busy.Unlock()

		state := rm.State()
		switch {
		case state >= StateStarted:
			return
		case state < StateReady:
			ec.reschedule(task)
			return
		}
		if !ec.conditionsMet(rm, ActionStart) {
			ec.reschedule(task)
			return
		}

		err := ec.invoke(ec.context(), rm, "start", func(ctx context.Context) error {
			return rm.impl.Start(ctx, rm)
		})
		switch {
		case IsReschedule(err):
			ec.reschedule(task)
			return
		case err != nil:
			ec.fail(rm, ActionStart, err)
			return
		}
		if rm.State() == StateReady {
			if err := rm.setState(StateStarted, nil); err != nil {
				return
			}
		}
		if rm.State() != StateStarted {
			return
		}

		if len(rm.Conditions(ActionStop)) > 0 {
			ec.schedule(0, ec.stopTask(rm))
		}
		if _, ok := rm.impl.(Monitor); ok {
			ec.reschedule(ec.monitorTask(rm))
		}
	}
	return task
}

// monitorTask polls a started resource until it reports it finished.
func (ec *ExperimentController) monitorTask(rm *ResourceManager) func() {
	mon := rm.impl.(Monitor)
	var task func()
	task = func() {
		if rm.State() != StateStarted {
			return
		}
		if !rm.busy.TryLock() {
			ec.reschedule(task)
			return
		}
		defer rm.busy.Unlock()
		if rm.State() != StateStarted {
			return
		}

		var done bool
		err := ec.guard(func() error {
			var merr error
			done, merr = mon.Finished(ec.context(), rm)
			return merr
		})
		switch {
		case IsReschedule(err):
		case err != nil:
			ec.fail(rm, ActionStop, err)
			return
		case done:
			_ = rm.setState(StateStopped, nil)
			return
		}
		ec.reschedule(task)
	}
	return task
}

func (ec *ExperimentController) stopTask(rm *ResourceManager) func() {
	var task func()
	task = func() {
		if !rm.busy.TryLock() {
			ec.reschedule(task)
			return
		}
		defer rm.busy.Unlock()

		state := rm.State()
		switch {
		case state >= StateStopped:
			return
		case state < StateStarted:
			if ec.fm.Abort() {
				return
			}
			ec.reschedule(task)
			return
		}
		if !ec.conditionsMet(rm, ActionStop) {
			ec.reschedule(task)
			return
		}

		err := ec.invoke(ec.context(), rm, "stop", func(ctx context.Context) error {
			return rm.impl.Stop(ctx, rm)
		})
		switch {
		case IsReschedule(err):
			ec.reschedule(task)
			return
		case err != nil:
			ec.fail(rm, ActionStop, err)
			return
		}
		if rm.State() == StateStarted {
			_ = rm.setState(StateStopped, nil)
		}
	}
	return task
}

// releaseTask releases rm once the resources in dependents stopped.
func (ec *ExperimentController) releaseTask(rm *ResourceManager, dependents []*ResourceManager) func() {
	var task func()
	task = func() {
		if !rm.busy.TryLock() {
			ec.reschedule(task)
			return
		}
		defer rm.busy.Unlock()

		if rm.State() == StateReleased {
			return
		}
		if !stoppedAll(dependents) || !ec.conditionsMet(rm, ActionRelease) {
			ec.reschedule(task)
			return
		}

		err := ec.invoke(ec.context(), rm, "release", func(ctx context.Context) error {
			return rm.impl.Release(ctx, rm)
		})
		if IsReschedule(err) {
			ec.reschedule(task)
			return
		}
		if err != nil {
			rm.logger.Error().Err(err).Msg("Release failed, marking resource released")
		}
		_ = rm.setState(StateReleased, nil)
	}
	return task
}

// fail moves a resource to FAILED and records the failure.
func (ec *ExperimentController) fail(rm *ResourceManager, action ResourceAction, err error) {
	if rm.State() == StateReleased {
		rm.logger.Warn().Err(err).Str("action", action.String()).Msg("Failure after release ignored")
		return
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		execErr = NewPermanentError("lifecycle hook failed", err).WithCode(ErrCodeHookFailed)
	}
	if execErr.Guid == 0 {
		execErr.WithResource(rm.guid, rm.rtype).WithAction(action)
	}

	critical := rm.Critical()
	rm.logger.Error().
		Err(err).
		Str("action", action.String()).
		Bool("critical", critical).
		Msg("Resource failed")

	ec.fm.SetRMFailure(critical)
	if critical {
		ec.setState(ControllerFailed)
	}
	ec.publish(ec.context(), &Event{
		Type:     EventResourceFailed,
		Guid:     rm.guid,
		RType:    rm.rtype,
		Action:   action.String(),
		Critical: critical,
		Error:    execErr.Error(),
	})
	_ = rm.setState(StateFailed, execErr)
}

// conditionsMet evaluates the conditions registered for action.
func (ec *ExperimentController) conditionsMet(rm *ResourceManager, action ResourceAction) bool {
	for _, c := range rm.Conditions(action) {
		var latest time.Time
		for _, guid := range c.Group {
			peer, err := ec.Resource(guid)
			if err != nil {
				return false
			}
			state, times := peer.snapshot()
			ok, at := reached(state, &times, c.State)
			if !ok {
				return false
			}
			if at.After(latest) {
				latest = at
			}
		}
		if c.After > 0 && !latest.IsZero() && time.Since(latest) < c.After {
			return false
		}
	}
	return true
}

// dependents maps every guid to the resources that structurally depend on
// it and so must stop before it is released. Mutual dependencies are
// ignored.
func (ec *ExperimentController) dependents() map[Guid][]*ResourceManager {
	rms := ec.Resources()
	deps := make(map[Guid]map[Guid]struct{}, len(rms))
	for _, rm := range rms {
		deps[rm.guid] = ec.dependencies(rm)
	}

	index := make(map[Guid][]*ResourceManager)
	for _, other := range rms {
		for guid := range deps[other.guid] {
			if guid == other.guid {
				continue
			}
			if _, mutual := deps[guid][other.guid]; mutual {
				continue
			}
			index[guid] = append(index[guid], other)
		}
	}
	return index
}

// stoppedAll reports whether every resource has stopped or been released.
func stoppedAll(rms []*ResourceManager) bool {
	for _, rm := range rms {
		if s := rm.State(); s != StateStopped && s != StateReleased {
			return false
		}
	}
	return true
}

// dependencies returns the guids rm must outlive: its DEPLOY condition
// groups plus whatever a Dependent implementation declares.
func (ec *ExperimentController) dependencies(rm *ResourceManager) map[Guid]struct{} {
	deps := make(map[Guid]struct{})
	for _, g := range rm.WaitSet(ActionDeploy) {
		deps[g] = struct{}{}
	}
	if d, ok := rm.impl.(Dependent); ok {
		for _, g := range d.DependsOn(rm) {
			deps[g] = struct{}{}
		}
	}
	return deps
}

func (rm *ResourceManager) missingRequired() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.attrs.missingRequired()
}

// invoke runs a lifecycle hook inside a span, converting panics to errors
// and publishing its duration.
func (ec *ExperimentController) invoke(ctx context.Context, rm *ResourceManager, hook string, fn func(context.Context) error) error {
	ctx, span := ec.tracer.Start(ctx, "resource."+hook,
		trace.WithAttributes(
			attribute.String("nepi.experiment_id", ec.cfg.ExperimentID),
			attribute.Int("nepi.guid", int(rm.guid)),
			attribute.String("nepi.rtype", rm.rtype),
		),
	)
	defer span.End()

	start := time.Now()
	err := ec.guard(func() error { return fn(ctx) })
	duration := time.Since(start)

	switch {
	case IsReschedule(err):
		span.SetAttributes(attribute.Bool("nepi.rescheduled", true))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}

	ev := &Event{
		Type:     EventHookCompleted,
		Guid:     rm.guid,
		RType:    rm.rtype,
		Action:   hook,
		Duration: duration,
	}
	if err != nil && !IsReschedule(err) {
		ev.Error = err.Error()
	}
	ec.publish(ctx, ev)
	return err
}

// guard calls fn, turning a panic into an error.
func (ec *ExperimentController) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("panic: %v", r), nil).WithCode(ErrCodeHookPanicked)
		}
	}()
	return fn()
}
