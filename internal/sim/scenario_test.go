package sim

import (
	"sync"
	"testing"
	"time"
)

func TestGeneratorIsDeterministic(t *testing.T) {
	a := NewGenerator(DefaultScenario(), 42)
	b := NewGenerator(DefaultScenario(), 42)
	for i := 0; i < 200; i++ {
		fa, fb := a.NextFlow(), b.NextFlow()
		if fa != fb {
			t.Fatalf("flow %d diverged: %+v vs %+v", i, fa, fb)
		}
	}
}

func TestGeneratorProducesValidFlows(t *testing.T) {
	valid := map[string]bool{FlowToken: true, FlowCode: true, FlowRequest: true, FlowReplay: true}
	g := NewGenerator(DefaultScenario(), 7)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		f := g.NextFlow()
		if !valid[f.Kind] {
			t.Fatalf("unexpected flow kind %q", f.Kind)
		}
		if f.Subject.ID == "" || f.Intent == "" {
			t.Fatalf("flow missing subject or intent: %+v", f)
		}
		seen[f.Kind] = true
	}
	for kind := range valid {
		if !seen[kind] {
			t.Errorf("kind %q never generated in 1000 flows", kind)
		}
	}
}

func TestGeneratorJitterStaysInRange(t *testing.T) {
	g := NewGenerator(DefaultScenario(), 3)
	min, max := 10*time.Millisecond, 50*time.Millisecond
	for i := 0; i < 100; i++ {
		d := g.Jitter(min, max)
		if d < min || d >= max {
			t.Fatalf("jitter %v outside [%v, %v)", d, min, max)
		}
	}
	if d := g.Jitter(max, min); d != max {
		t.Fatalf("inverted bounds: want %v, got %v", max, d)
	}
}

func TestCounterAccumulates(t *testing.T) {
	c := NewCounter()
	c.Add(FlowToken)
	c.Add(FlowToken)
	c.Add(FlowCode)

	total, byKind := c.Snapshot()
	if total != 3 {
		t.Fatalf("total: want 3, got %d", total)
	}
	if byKind[FlowToken] != 2 || byKind[FlowCode] != 1 {
		t.Fatalf("unexpected per-kind counts: %v", byKind)
	}

	byKind[FlowToken] = 99
	_, again := c.Snapshot()
	if again[FlowToken] != 2 {
		t.Fatal("snapshot shares its map with callers")
	}
}

func TestCounterConcurrentAdd(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(FlowToken)
			}
		}()
	}
	wg.Wait()

	total, byKind := c.Snapshot()
	if total != 800 || byKind[FlowToken] != 800 {
		t.Fatalf("want 800 adds, got total=%d byKind=%v", total, byKind)
	}
}
