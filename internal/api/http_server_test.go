package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flight-cdm/internal/auth"
	"flight-cdm/internal/hub"
	"flight-cdm/internal/metrics"
	"flight-cdm/internal/model"
	"flight-cdm/internal/persistence"
	"flight-cdm/internal/processor"
	"flight-cdm/internal/scheduler"
	"flight-cdm/pkg/logger"
)

var testNow = time.Date(2025, 11, 1, 10, 0, 30, 0, time.UTC)

type stubRefresher struct {
	rows int
	err  error
}

func (r stubRefresher) Refresh(context.Context) (int, error) { return r.rows, r.err }
func (r stubRefresher) LastRefresh() (time.Time, int) { return testNow, r.rows }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubFeed int

func (f stubFeed) Len() int { return int(f) }

type stubRelay struct{}

func (stubRelay) Instance() string { return "node-a" }
func (stubRelay) GetStats() (processed, dropped int64) { return 12, 3 }

type env struct {
	srv     *httptest.Server
	svc     *scheduler.Service
	metrics *metrics.Metrics
	tokens  map[string]string
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	m := metrics.NewMetrics()
	h := hub.New(hub.Options{}, logger.Discard(), m)
	svc := scheduler.New(scheduler.Config{}, h, persistence.NewMemory(), logger.Discard(), m,
		scheduler.WithClock(func() time.Time { return testNow }))
	if err := svc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	verifier := auth.NewTokenVerifier("test-secret", "flight-cdm", time.Hour)
	tokens := make(map[string]string)
	for name, p := range map[string]auth.Principal{
		"operator": {ParticipantID: "1303570"},
		"tower":    {ParticipantID: "555", ControllerCallsign: "EGLL_TWR"},
		"pilot":    {ParticipantID: "111"},
		"other":    {ParticipantID: "222"},
	} {
		tok, err := verifier.Issue(p)
		if err != nil {
			t.Fatal(err)
		}
		tokens[name] = tok
	}

	server := NewServer(svc, verifier, nil, opts, logger.Discard(), m)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, svc: svc, metrics: m, tokens: tokens}
}

func (e *env) do(t *testing.T, method, path, who string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[who])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) withSchedule(t *testing.T) {
	t.Helper()
	if err := e.svc.RefreshSchedule(context.Background(), []model.ScheduleRow{
		{Sector: "EGLL-EGKK", Date: "2025-11-01", ScheduledDepartureTime: "10:00"},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, Options{})

	code, body := e.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", code, body)
	}
	code, body = e.do(t, http.MethodGet, "/metrics", "", nil)
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	if body["http_requests"].(float64) < 1 {
		t.Errorf("metrics = %v", body)
	}
}

func TestHealthReadouts(t *testing.T) {
	e := newEnv(t, Options{
		Storage:   stubPinger{},
		Feed:      stubFeed(42),
		Relay:     stubRelay{},
		Refresher: stubRefresher{rows: 7},
		Limiter:   processor.NewKeyedLimiter(100, 100, time.Minute),
	})

	code, body := e.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", code, body)
	}
	if st := body["storage"].(map[string]interface{}); st["ok"] != true {
		t.Errorf("storage = %v", st)
	}
	if sched := body["schedule"].(map[string]interface{}); sched["rows"].(float64) != 7 || sched["lastRefresh"] != "2025-11-01T10:00:30Z" {
		t.Errorf("schedule = %v", sched)
	}
	if feed := body["feed"].(map[string]interface{}); feed["cachedPlans"].(float64) != 42 {
		t.Errorf("feed = %v", feed)
	}
	relay := body["relay"].(map[string]interface{})
	if relay["instance"] != "node-a" || relay["processed"].(float64) != 12 || relay["dropped"].(float64) != 3 {
		t.Errorf("relay = %v", relay)
	}
	if rl := body["rateLimit"].(map[string]interface{}); rl["trackedClients"].(float64) != 1 {
		t.Errorf("rateLimit = %v", rl)
	}

	e = newEnv(t, Options{Storage: stubPinger{err: errors.New("disk gone")}})
	code, body = e.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("failing storage: %d %v", code, body)
	}
	if st := body["storage"].(map[string]interface{}); st["ok"] != false || st["error"] != "disk gone" {
		t.Errorf("storage = %v", st)
	}
}

func TestToggleEndpoint(t *testing.T) {
	e := newEnv(t, Options{})
	req := map[string]interface{}{"identifier": "BAW1", "flag": "start", "value": true, "sector": "EGLL-EGKK"}

	if code, body := e.do(t, http.MethodPost, "/api/toggles", "", req); code != http.StatusForbidden || body["kind"] != "forbidden" {
		t.Errorf("anonymous toggle = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/toggles", "tower", req); code != http.StatusOK {
		t.Fatalf("tower toggle = %d", code)
	}

	code, body := e.do(t, http.MethodGet, "/api/state?airport=EGLL", "", nil)
	if code != http.StatusOK {
		t.Fatalf("state = %d", code)
	}
	tsats := body["tsatMap"].(map[string]interface{})
	if tsat, ok := tsats["BAW1"].(map[string]interface{}); !ok || tsat["time"] != "10:01" {
		t.Errorf("tsatMap = %v", tsats)
	}

	code, body = e.do(t, http.MethodGet, "/api/queue/EGLL-EGKK", "", nil)
	if code != http.StatusOK || len(body["queue"].([]interface{})) != 1 {
		t.Errorf("queue = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodPost, "/api/toggles", "tower", `{"identifier":"BAW1","flag":`)
	if code != http.StatusBadRequest {
		t.Errorf("malformed body = %d %v", code, body)
	}
	code, body = e.do(t, http.MethodPost, "/api/toggles", "tower", map[string]interface{}{"identifier": "BAW2", "flag": "start", "value": true})
	if code != http.StatusBadRequest || body["fields"].(map[string]interface{})["sector"] == nil {
		t.Errorf("missing sector = %d %v", code, body)
	}
}

func TestStartedEndpoints(t *testing.T) {
	e := newEnv(t, Options{})
	e.do(t, http.MethodPost, "/api/toggles", "tower", map[string]interface{}{"identifier": "BAW1", "flag": "start", "value": true, "sector": "EGLL-EGKK"})

	if code, body := e.do(t, http.MethodPost, "/api/started/BAW1", "tower", nil); code != http.StatusOK || body["tsat"] != "10:01" {
		t.Fatalf("mark started = %d %v", code, body)
	}
	if code, body := e.do(t, http.MethodPost, "/api/started/BAW1/back", "tower", nil); code != http.StatusOK || body["time"] != "10:01" {
		t.Fatalf("send back = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodDelete, "/api/started/BAW1", "tower", nil); code != http.StatusNotFound {
		t.Errorf("delete after send back = %d", code)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/tsat/recalculate", "tower", map[string]string{"identifier": "BAW1"}); code != http.StatusOK {
		t.Errorf("recalculate = %d", code)
	}
}

func TestFlowAndSlots(t *testing.T) {
	e := newEnv(t, Options{})
	e.withSchedule(t)

	code, body := e.do(t, http.MethodGet, "/api/slots?sector=EGLL-EGKK&date=2025-11-01&dep=10:00", "", nil)
	if code != http.StatusOK || body["noFlowRate"] != true {
		t.Fatalf("slots without rate = %d %v", code, body)
	}

	if code, _ := e.do(t, http.MethodPut, "/api/flow/EGLL-EGKK", "pilot", map[string]int{"rate": 3}); code != http.StatusForbidden {
		t.Errorf("pilot flow change = %d", code)
	}
	if code, _ := e.do(t, http.MethodPut, "/api/flow/EGLL-EGKK", "tower", map[string]int{}); code != http.StatusBadRequest {
		t.Errorf("missing rate = %d", code)
	}
	if code, _ := e.do(t, http.MethodPut, "/api/flow/EGLL-EGKK", "tower", map[string]int{"rate": -2}); code != http.StatusBadRequest {
		t.Errorf("negative rate = %d", code)
	}
	if code, _ := e.do(t, http.MethodPut, "/api/flow/EGLL-EGKK", "tower", map[string]int{"rate": 3}); code != http.StatusOK {
		t.Fatalf("set rate = %d", code)
	}

	code, body = e.do(t, http.MethodGet, "/api/flow", "", nil)
	if code != http.StatusOK || body["rates"].(map[string]interface{})["EGLL-EGKK"] != float64(3) {
		t.Errorf("rates = %v", body)
	}

	code, body = e.do(t, http.MethodGet, "/api/slots?sector=EGLL-EGKK&date=2025-11-01&dep=10:00", "", nil)
	if code != http.StatusOK || len(body["slots"].([]interface{})) != 7 {
		t.Errorf("slots = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/slots?sector=EGLL-EGKK&date=2025-11-01&dep=12:00", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown departure = %d", code)
	}
}

func TestBookingEndpoints(t *testing.T) {
	e := newEnv(t, Options{})
	e.withSchedule(t)
	e.do(t, http.MethodPut, "/api/flow/EGLL-EGKK", "operator", map[string]int{"rate": 3})

	key := "EGLL-EGKK|2025-11-01|10:00|09:40"
	code, body := e.do(t, http.MethodPost, "/api/bookings", "pilot", map[string]interface{}{"slotKey": key, "identifier": "BAW1"})
	if code != http.StatusCreated || body["identifier"] != "BAW1" {
		t.Fatalf("book = %d %v", code, body)
	}

	code, body = e.do(t, http.MethodPost, "/api/bookings", "other", map[string]interface{}{"slotKey": "EGLL-EGKK|2025-11-01|10:00|10:00", "identifier": "BAW1"})
	if code != http.StatusConflict || body["kind"] != "conflict" {
		t.Errorf("duplicate identifier = %d %v", code, body)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/bookings", "", map[string]interface{}{"slotKey": key, "identifier": "BAW9"}); code != http.StatusForbidden {
		t.Errorf("anonymous booking = %d", code)
	}

	code, body = e.do(t, http.MethodGet, "/api/bookings/mine", "pilot", nil)
	if code != http.StatusOK || len(body["bookings"].([]interface{})) != 1 {
		t.Errorf("mine = %d %v", code, body)
	}
	code, body = e.do(t, http.MethodGet, "/api/bookings/mine", "other", nil)
	if code != http.StatusOK || len(body["bookings"].([]interface{})) != 0 {
		t.Errorf("other's bookings = %d %v", code, body)
	}

	if code, _ := e.do(t, http.MethodPut, "/api/bookings/identifier", "pilot", map[string]string{"slotKey": key, "identifier": "BAW2"}); code != http.StatusOK {
		t.Errorf("update identifier = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/bookings/cancel", "other", map[string]string{"slotKey": key}); code != http.StatusForbidden {
		t.Errorf("cancel by other = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/bookings/cancel", "pilot", map[string]string{"slotKey": key}); code != http.StatusOK {
		t.Errorf("cancel by owner = %d", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/api/bookings/cancel", "pilot", map[string]string{"slotKey": key}); code != http.StatusNotFound {
		t.Errorf("cancel twice = %d", code)
	}
}

func TestScheduleRefreshEndpoint(t *testing.T) {
	e := newEnv(t, Options{})
	if code, _ := e.do(t, http.MethodPost, "/api/schedule/refresh", "operator", nil); code != http.StatusServiceUnavailable {
		t.Errorf("no refresher = %d", code)
	}

	e = newEnv(t, Options{Refresher: stubRefresher{rows: 4}})
	if code, _ := e.do(t, http.MethodPost, "/api/schedule/refresh", "tower", nil); code != http.StatusForbidden {
		t.Errorf("controller refresh = %d", code)
	}
	code, body := e.do(t, http.MethodPost, "/api/schedule/refresh", "operator", nil)
	if code != http.StatusOK || body["rows"] != float64(4) {
		t.Errorf("refresh = %d %v", code, body)
	}

	e = newEnv(t, Options{Refresher: stubRefresher{err: errors.New("publisher down")}})
	if code, _ := e.do(t, http.MethodPost, "/api/schedule/refresh", "operator", nil); code != http.StatusBadGateway {
		t.Errorf("failed refresh = %d", code)
	}
}

func TestRecentEvents(t *testing.T) {
	e := newEnv(t, Options{})
	e.do(t, http.MethodPost, "/api/toggles", "tower", map[string]interface{}{"identifier": "BAW1", "flag": "start", "value": true, "sector": "EGLL-EGKK"})

	code, body := e.do(t, http.MethodGet, "/api/events/recent?limit=1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("recent = %d", code)
	}
	events := body["events"].([]interface{})
	if len(events) != 1 || events[0].(map[string]interface{})["type"] != model.EventTSATChanged {
		t.Errorf("events = %v", events)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Options{Limiter: processor.NewKeyedLimiter(0.001, 1, time.Minute)})

	if code, _ := e.do(t, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/health", "", nil); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d", code)
	}
	if got := e.metrics.GetSnapshot().HTTPRateLimited; got != 1 {
		t.Errorf("rate limited = %d", got)
	}
}
