package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medtime/internal/alarm"
	"medtime/internal/medication"
	"medtime/internal/observability/metrics"
	"medtime/internal/runtime/supervisor"
	"medtime/pkg/logx"
)

func testSources() Sources {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	meds := medication.Samples(now)
	return Sources{
		Medications: func(context.Context) ([]medication.Medication, error) { return meds, nil },
		Upcoming: func(context.Context) ([]medication.Upcoming, error) {
			return []medication.Upcoming{{Medication: meds[0], At: now.Add(time.Hour)}}, nil
		},
		Rings: func() []alarm.RingInfo {
			return []alarm.RingInfo{{MedicationID: meds[0].ID, Medication: meds[0].Name, Kind: alarm.KindRegular, At: now}}
		},
		Health:  func() []supervisor.Stats { return []supervisor.Stats{{Name: "adapter.poll", Active: 1, Started: 1}} },
		Metrics: metrics.New().Handler(),
	}
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testSources(), logx.Nop()).Handler()
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var body struct {
		OK         bool               `json:"ok"`
		Goroutines []supervisor.Stats `json:"goroutines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || len(body.Goroutines) != 1 || body.Goroutines[0].Name != "adapter.poll" {
		t.Fatalf("body=%+v", body)
	}
}

func TestHealthzReportsDeadLoops(t *testing.T) {
	t.Parallel()
	src := testSources()
	src.Health = func() []supervisor.Stats { return []supervisor.Stats{{Name: "x", LastErr: "boom"}} }
	rec := get(t, New(Config{}, src, logx.Nop()).Handler(), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestAPIEndpoints(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testSources(), logx.Nop()).Handler()

	rec := get(t, h, "/api/medications")
	var meds []medication.Medication
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &meds) != nil || len(meds) != 2 {
		t.Fatalf("medications: code=%d body=%s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}

	rec = get(t, h, "/api/upcoming")
	var ups []medication.Upcoming
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &ups) != nil || len(ups) != 1 {
		t.Fatalf("upcoming: code=%d body=%s", rec.Code, rec.Body)
	}
	if ups[0].Medication.Name != meds[0].Name {
		t.Fatalf("upcoming=%+v", ups)
	}

	if rec = get(t, h, "/api/rings"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), meds[0].ID) {
		t.Fatalf("rings: code=%d body=%s", rec.Code, rec.Body)
	}
	if rec = get(t, h, "/api/tasks"); rec.Code != http.StatusNotFound {
		t.Fatalf("tasks without source: code=%d", rec.Code)
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()
	src := testSources()
	src.Medications = func(context.Context) ([]medication.Medication, error) { return nil, errors.New("disk gone") }
	rec := get(t, New(Config{}, src, logx.Nop()).Handler(), "/api/medications")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "disk gone") {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestMetricsAndPprof(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testSources(), logx.Nop()).Handler()
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "medtime_") {
		t.Fatalf("metrics: code=%d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: code=%d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/goroutine?debug=1"); rec.Code != http.StatusOK {
		t.Fatalf("pprof goroutine: code=%d", rec.Code)
	}
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, testSources(), logx.Nop()).Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open: %d", rec.Code)
	}
	if rec := get(t, h, "/api/medications"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := get(t, h, "/api/medications", "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	if rec := get(t, h, "/api/medications", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("header token: %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(), logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Supervisor() == nil {
		t.Fatalf("supervisor not set")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil {
		t.Fatalf("supervisor kept after stop")
	}
	s.Stop(stopCtx)

	if err := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testSources(), logx.Nop()).Start(ctx); err == nil {
		t.Fatalf("public bind without token accepted")
	}
	if err := New(Config{Enabled: false}, testSources(), logx.Nop()).Start(ctx); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
}

func TestLoopback(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"localhost:80": true,
		"[::1]:80":     true,
		":80":          false,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
