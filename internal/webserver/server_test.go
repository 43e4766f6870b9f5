package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
	"github.com/mpataki/feeder/internal/scheduler"
	"github.com/mpataki/feeder/internal/session"
	"github.com/mpataki/feeder/internal/storage"
)

type testEnv struct {
	srv   *Server
	sess  *session.Session
	store *storage.Storage
	port  *gpio.Mock
}

func newTestServer(t *testing.T, stepDelay time.Duration) *testEnv {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "feeder.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	port := gpio.NewMock()
	cycler := motion.NewCycler(motion.NewRunner(port, stepDelay), 0)
	sess := session.New(cycler, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.Shutdown(ctx)
	})

	defaults := models.CyclePlan{TotalSteps: 64, Stutter: true, CycleForward: 16, CycleBackward: 4, Direction: models.Forward}
	sched := scheduler.New(sess, store, models.ScheduleConfig{
		TriggerTime: models.TimeOfDay{Hour: 8},
		Plan:        defaults,
	})

	srv := New(sess, sched, store, Options{Port: 0, DefaultPlan: defaults})
	return &testEnv{srv: srv, sess: sess, store: store, port: port}
}

func performJSONRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitIdle(t *testing.T, sess *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Wait(ctx); err != nil {
		t.Fatalf("session did not go idle: %v", err)
	}
}

func TestStatusIdle(t *testing.T) {
	env := newTestServer(t, 0)

	rec := performJSONRequest(t, env.srv, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	resp := decodeResponse[StatusResponse](t, rec)
	if resp.Session.Status != models.StatusIdle {
		t.Fatalf("session status = %q", resp.Session.Status)
	}
	if resp.LastFeed != nil {
		t.Fatal("expected no last feed")
	}
	if resp.NextFeed != nil {
		t.Fatal("disabled schedule should have no next feed")
	}
	if resp.FeedDefaults.TotalSteps != 64 || !resp.FeedDefaults.Stutter {
		t.Fatalf("feed defaults = %+v", resp.FeedDefaults)
	}
}

func TestFeedWithDefaultsThenHistory(t *testing.T) {
	env := newTestServer(t, 0)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/api/feed", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[FeedResponse](t, rec)
	if resp.Plan.TotalSteps != 64 || !resp.Plan.Stutter {
		t.Fatalf("plan = %+v", resp.Plan)
	}
	waitIdle(t, env.sess)

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/api/history", "")
	feeds := decodeResponse[[]models.FeedRecord](t, rec)
	if len(feeds) != 1 {
		t.Fatalf("history len = %d", len(feeds))
	}
	if feeds[0].Reason != models.ReasonFinished || feeds[0].StepsMoved != 64 || feeds[0].Trigger != models.TriggerManual {
		t.Fatalf("record = %+v", feeds[0])
	}

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/api/status", "")
	status := decodeResponse[StatusResponse](t, rec)
	if status.LastFeed == nil || status.LastFeed.StepsMoved != 64 {
		t.Fatalf("last feed = %+v", status.LastFeed)
	}
}

func TestFeedOverridesAndReverse(t *testing.T) {
	env := newTestServer(t, 0)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/api/feed", `{"steps": 8, "direction": "reverse"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse[FeedResponse](t, rec)
	if resp.Plan.TotalSteps != 8 || resp.Plan.Stutter || resp.Plan.Direction != models.Reverse {
		t.Fatalf("plan = %+v", resp.Plan)
	}
	waitIdle(t, env.sess)

	writes := env.port.Writes()
	if len(writes) != 8 || writes[0] != motion.Pattern(0, models.Reverse) {
		t.Fatalf("writes = %v", writes)
	}
}

func TestFeedRejectsInvalid(t *testing.T) {
	env := newTestServer(t, 0)

	tests := []struct {
		name string
		body string
	}{
		{"negative steps", `{"steps": -5}`},
		{"negative cycle", `{"cycle_backward": -1}`},
		{"bad direction", `{"direction": "sideways"}`},
		{"bad json", `{"steps":`},
		{"reverse with stutter", `{"direction": "reverse", "stutter": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := performJSONRequest(t, env.srv, http.MethodPost, "/api/feed", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
	if env.sess.Status().Status != models.StatusIdle {
		t.Fatal("invalid request started a run")
	}
}

func TestFeedBusyThenStop(t *testing.T) {
	env := newTestServer(t, time.Millisecond)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/api/feed", `{"steps": 100000, "stutter": false}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first feed status = %d", rec.Code)
	}

	rec = performJSONRequest(t, env.srv, http.MethodPost, "/api/feed", `{"steps": 10}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second feed status = %d, want 409", rec.Code)
	}

	rec = performJSONRequest(t, env.srv, http.MethodPost, "/api/stop", "")
	if got := decodeResponse[StopResponse](t, rec); !got.Stopped {
		t.Fatal("stop did not signal the run")
	}
	waitIdle(t, env.sess)

	if env.port.Current() != gpio.Off {
		t.Fatalf("coils left at %v", env.port.Current())
	}
	last, err := env.store.LastFeed()
	if err != nil || last == nil {
		t.Fatalf("LastFeed = %v, %v", last, err)
	}
	if last.Reason != models.ReasonCancelled {
		t.Fatalf("reason = %q, want cancelled", last.Reason)
	}

	rec = performJSONRequest(t, env.srv, http.MethodPost, "/api/stop", "")
	if got := decodeResponse[StopResponse](t, rec); got.Stopped {
		t.Fatal("stop while idle reported a run")
	}
}

func TestScheduleUpdate(t *testing.T) {
	env := newTestServer(t, 0)

	rec := performJSONRequest(t, env.srv, http.MethodPatch, "/api/schedule", `{"trigger_time": "19:30", "enabled": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	cfg := decodeResponse[models.ScheduleConfig](t, rec)
	if cfg.TriggerTime.String() != "19:30" || !cfg.Enabled || cfg.Plan.TotalSteps != 64 {
		t.Fatalf("config = %+v", cfg)
	}

	saved, ok, err := env.store.LoadSchedule()
	if err != nil || !ok || saved.TriggerTime != cfg.TriggerTime {
		t.Fatalf("LoadSchedule = %+v, %v, %v", saved, ok, err)
	}

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/api/schedule", "")
	if got := decodeResponse[models.ScheduleConfig](t, rec); got != cfg {
		t.Fatalf("GET schedule = %+v", got)
	}

	rec = performJSONRequest(t, env.srv, http.MethodPatch, "/api/schedule", `{"trigger_time": "24:10"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad time status = %d", rec.Code)
	}
	rec = performJSONRequest(t, env.srv, http.MethodPatch, "/api/schedule", `{"plan": {"total_steps": -1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad plan status = %d", rec.Code)
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	env := newTestServer(t, 0)
	rec := performJSONRequest(t, env.srv, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestControlPage(t *testing.T) {
	env := newTestServer(t, 0)

	rec := performJSONRequest(t, env.srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"DISPENSE NOW", "CLEAR JAM", "Last Fed", "/static/app.js"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/static/app.js", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /static/app.js status = %d", rec.Code)
	}
	for _, want := range []string{"/api/feed", "/api/stop", "/api/status"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("app.js does not call %s", want)
		}
	}

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/static/style.css", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /static/style.css status = %d", rec.Code)
	}

	rec = performJSONRequest(t, env.srv, http.MethodGet, "/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /missing status = %d, want 404", rec.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestServer(t, 0)
	body := `{"steps": 8, "note": "` + strings.Repeat("x", maxBodyBytes) + `"}`

	for _, target := range []string{"/api/feed", "/api/schedule"} {
		method := http.MethodPost
		if target == "/api/schedule" {
			method = http.MethodPatch
		}
		rec := performJSONRequest(t, env.srv, method, target, body)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s %s status = %d, want 413", method, target, rec.Code)
		}
	}
	if env.sess.Status().Status != models.StatusIdle {
		t.Fatal("oversized request started a run")
	}
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestServer(t, 0)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() wsEnvelope {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg wsEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != msgSnapshot {
		t.Fatalf("first message = %q, want snapshot", msg.Type)
	}

	if _, err := env.sess.Start(models.CyclePlan{TotalSteps: 20, Stutter: true, CycleForward: 10, CycleBackward: 5}, models.TriggerManual); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var types []string
	for {
		msg := read()
		types = append(types, msg.Type)
		if msg.Type == string(session.EventFinished) {
			break
		}
	}
	// +10, -5, +5
	want := []string{"started", "segment", "segment", "segment", "finished"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}
