package monitoring

import (
	"encoding/json"
	"testing"
)

func TestSnapshotBasics(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()

	if s.Processors < 1 {
		t.Errorf("Processors = %d, want >= 1", s.Processors)
	}
	if s.Goroutines < 1 {
		t.Errorf("Goroutines = %d, want >= 1", s.Goroutines)
	}
	if s.Memory.SysBytes == 0 {
		t.Error("Memory.SysBytes = 0")
	}
	if s.UptimeSecs < 0 {
		t.Errorf("UptimeSecs = %d, want >= 0", s.UptimeSecs)
	}
}

func TestRegisteredSourcesAppear(t *testing.T) {
	c := NewCollector()
	c.RegisterSource("cache", func() map[string]int64 {
		return map[string]int64{"hits": 42}
	})

	s := c.Snapshot()
	if got := s.Components["cache"]["hits"]; got != 42 {
		t.Errorf("Components[cache][hits] = %d, want 42", got)
	}

	c.RegisterSource("cache", nil)
	s = c.Snapshot()
	if _, ok := s.Components["cache"]; ok {
		t.Error("source survived nil re-registration")
	}
}

func TestSnapshotSerializes(t *testing.T) {
	c := NewCollector()
	c.RegisterSource("executor", func() map[string]int64 {
		return map[string]int64{"submitted": 1}
	})
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	for _, key := range []string{"timestamp", "uptime_seconds", "processors", "goroutines", "memory", "components"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("snapshot JSON missing %q", key)
		}
	}
}
