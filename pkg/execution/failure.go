package execution

import (
	"fmt"
	"sync"
)

// FailureLevel is the severity of the worst failure an experiment saw.
type FailureLevel int

const (
	FailureOK FailureLevel = iota
	FailureRM
	FailureCriticalRM
	FailureEC
)

// String returns the level name.
func (l FailureLevel) String() string {
	switch l {
	case FailureOK:
		return "ok"
	case FailureRM:
		return "rm_failure"
	case FailureCriticalRM:
		return "critical_rm_failure"
	case FailureEC:
		return "ec_failure"
	default:
		return fmt.Sprintf("failure(%d)", int(l))
	}
}

// FailureManager records failures and decides whether the experiment aborts.
//
// Non-critical resource failures are counted and kept in Worst but leave
// Level at OK: the experiment as a whole still succeeded. Critical resource
// failures and controller failures raise Level and set the abort flag.
type FailureManager struct {
	mu          sync.RWMutex
	level       FailureLevel
	worst       FailureLevel
	abort       bool
	nonCritical int
}

// NewFailureManager creates a manager at FailureOK.
func NewFailureManager() *FailureManager {
	return &FailureManager{}
}

// SetRMFailure records a failed resource manager.
func (f *FailureManager) SetRMFailure(critical bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !critical {
		f.nonCritical++
		f.raiseWorst(FailureRM)
		return
	}
	f.raise(FailureCriticalRM)
	f.abort = true
}

// SetECFailure records a failure of the controller itself.
func (f *FailureManager) SetECFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raise(FailureEC)
	f.abort = true
}

func (f *FailureManager) raise(l FailureLevel) {
	if l > f.level {
		f.level = l
	}
	f.raiseWorst(l)
}

func (f *FailureManager) raiseWorst(l FailureLevel) {
	if l > f.worst {
		f.worst = l
	}
}

// Level returns the experiment-level severity.
func (f *FailureManager) Level() FailureLevel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.level
}

// Worst returns the worst severity recorded, non-critical failures included.
func (f *FailureManager) Worst() FailureLevel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.worst
}

// Abort reports whether new deploy and start actions must be suppressed.
func (f *FailureManager) Abort() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.abort
}

// NonCriticalFailures returns the number of tolerated resource failures.
func (f *FailureManager) NonCriticalFailures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nonCritical
}

// Reset clears all recorded failures.
func (f *FailureManager) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = FailureOK
	f.worst = FailureOK
	f.abort = false
	f.nonCritical = 0
}

// ExitCode maps the severity to a process exit status.
func (f *FailureManager) ExitCode() int {
	switch f.Level() {
	case FailureOK, FailureRM:
		return 0
	case FailureCriticalRM:
		return 1
	default:
		return 2
	}
}
