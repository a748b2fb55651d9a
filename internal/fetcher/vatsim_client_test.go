package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/pkg/logger"
)

const feedBody = `{
	"general": {"update_timestamp": "2025-11-01T10:00:00Z"},
	"pilots": [
		{"callsign": "baw1", "cid": 111, "latitude": 51.47, "longitude": -0.45, "altitude": 83, "groundspeed": 0,
		 "flight_plan": {"departure": "egll", "arrival": "egkk", "route": "DET"}},
		{"callsign": "EZY2", "cid": 222, "flight_plan": null}
	]
}`

func TestFetchSnapshotAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	c := NewFeedClient(srv.URL, time.Second, time.Minute, 10, logger.Discard(), m)

	snap, err := c.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Pilots) != 2 || snap.Pilots[0].CID != 111 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if n := c.Update(snap); n != 1 {
		t.Errorf("Update cached %d plans, want 1", n)
	}
	plan, ok := c.Lookup("BAW1")
	if !ok || plan.Destination != "EGKK" || plan.Origin != "EGLL" || plan.Route != "DET" {
		t.Errorf("plan = %+v, %v", plan, ok)
	}
	if _, ok := c.Lookup("EZY2"); ok {
		t.Error("pilots without a flight plan are not cached")
	}
	if got := m.GetSnapshot().FeedPolls; got != 1 {
		t.Errorf("feed polls = %d", got)
	}
}

func TestFetchSnapshotErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{name: "body", handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("{not json")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			m := metrics.NewMetrics()
			c := NewFeedClient(srv.URL, time.Second, time.Minute, 10, logger.Discard(), m)
			if _, err := c.FetchSnapshot(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if got := m.GetSnapshot().FeedErrors; got != 1 {
				t.Errorf("feed errors = %d", got)
			}
		})
	}
}

func TestPollContinuouslySkipsFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	c := NewFeedClient(srv.URL, time.Second, time.Minute, 10, logger.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *model.FeedSnapshot, 1)
	go c.PollContinuously(ctx, 10*time.Millisecond, func(s *model.FeedSnapshot) {
		select {
		case got <- s:
		default:
		}
	})

	select {
	case s := <-got:
		if len(s.Pilots) != 2 {
			t.Errorf("pilots = %d", len(s.Pilots))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered from the failed poll")
	}
}
