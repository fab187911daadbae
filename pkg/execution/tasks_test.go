package execution

import (
	"testing"
)

func TestDependentsIndex(t *testing.T) {
	ec := setupTestController(t)
	a := registerTest(t, ec)
	b := registerTest(t, ec)
	c := registerTest(t, ec)
	d := registerTest(t, ec)
	e := registerTest(t, ec)

	deploy := func(guid, after Guid) {
		t.Helper()
		if err := ec.RegisterCondition([]Guid{guid}, ActionDeploy, []Guid{after}, StateReady, 0); err != nil {
			t.Fatalf("RegisterCondition() error = %v", err)
		}
	}
	deploy(a, b)
	deploy(e, b)
	deploy(c, d)
	deploy(d, c)
	deploy(b, b)

	index := ec.dependents()

	got := map[Guid]bool{}
	for _, rm := range index[b] {
		got[rm.Guid()] = true
	}
	if len(got) != 2 || !got[a] || !got[e] {
		t.Errorf("dependents of %d = %v, want %d and %d", b, got, a, e)
	}
	for _, guid := range []Guid{a, c, d, e} {
		if n := len(index[guid]); n != 0 {
			t.Errorf("dependents of %d = %d resources, want none", guid, n)
		}
	}
}

func TestStoppedAll(t *testing.T) {
	ec := setupTestController(t)
	rms := []*ResourceManager{}
	for i := 0; i < 2; i++ {
		rm, err := ec.Resource(registerTest(t, ec))
		if err != nil {
			t.Fatalf("Resource() error = %v", err)
		}
		rms = append(rms, rm)
	}

	if !stoppedAll(nil) {
		t.Error("stoppedAll(nil) = false, want true")
	}
	if stoppedAll(rms) {
		t.Error("stoppedAll() = true for NEW resources, want false")
	}
}
