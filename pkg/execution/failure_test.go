package execution

import "testing"

func TestFailureManager(t *testing.T) {
	tests := []struct {
		name      string
		record    func(f *FailureManager)
		level     FailureLevel
		worst     FailureLevel
		abort     bool
		exitCode  int
		tolerated int
	}{
		{
			name:   "no failures",
			record: func(*FailureManager) {},
			level:  FailureOK,
			worst:  FailureOK,
		},
		{
			name: "non-critical failures are tolerated",
			record: func(f *FailureManager) {
				f.SetRMFailure(false)
				f.SetRMFailure(false)
			},
			level:     FailureOK,
			worst:     FailureRM,
			tolerated: 2,
		},
		{
			name:     "critical failure aborts",
			record:   func(f *FailureManager) { f.SetRMFailure(true) },
			level:    FailureCriticalRM,
			worst:    FailureCriticalRM,
			abort:    true,
			exitCode: 1,
		},
		{
			name: "controller failure dominates",
			record: func(f *FailureManager) {
				f.SetECFailure()
				f.SetRMFailure(true)
			},
			level:    FailureEC,
			worst:    FailureEC,
			abort:    true,
			exitCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFailureManager()
			tt.record(f)

			if f.Level() != tt.level {
				t.Errorf("Level() = %v, want %v", f.Level(), tt.level)
			}
			if f.Worst() != tt.worst {
				t.Errorf("Worst() = %v, want %v", f.Worst(), tt.worst)
			}
			if f.Abort() != tt.abort {
				t.Errorf("Abort() = %v, want %v", f.Abort(), tt.abort)
			}
			if f.ExitCode() != tt.exitCode {
				t.Errorf("ExitCode() = %d, want %d", f.ExitCode(), tt.exitCode)
			}
			if f.NonCriticalFailures() != tt.tolerated {
				t.Errorf("NonCriticalFailures() = %d, want %d", f.NonCriticalFailures(), tt.tolerated)
			}

			f.Reset()
			if f.Level() != FailureOK || f.Abort() {
				t.Error("Reset() did not clear the manager")
			}
		})
	}
}
