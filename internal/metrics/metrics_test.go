package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCountersAreConcurrentSafe(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementEventsPublished()
			m.IncrementTSATAssigned()
		}()
	}
	wg.Wait()

	snap := m.GetSnapshot()
	if snap.EventsPublished != 50 || snap.TSATAssigned != 50 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHTTPAverageLatency(t *testing.T) {
	m := NewMetrics()
	if m.GetHTTPAverageLatency() != 0 {
		t.Error("average with no samples should be 0")
	}
	m.RecordHTTPLatency(10 * time.Millisecond)
	m.RecordHTTPLatency(30 * time.Millisecond)
	if got := m.GetHTTPAverageLatency(); got != 20 {
		t.Errorf("average = %v, want 20", got)
	}
}
