package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"playlog/internal/core"
)

type mockPoller struct {
	calls int
	err   error
}

func (m *mockPoller) PollNow(_ context.Context) error {
	m.calls++
	return m.err
}

type mockReconciler struct {
	calls int
	err   error
}

func (m *mockReconciler) ReconcileNow(_ context.Context) error {
	m.calls++
	return m.err
}

type mockMetadata struct {
	report core.SyncReport
	err    error
}

func (m *mockMetadata) SyncAllMissing(_ context.Context) (core.SyncReport, error) {
	return m.report, m.err
}

type mockNowPlaying struct {
	np  *core.NowPlaying
	err error
}

func (m *mockNowPlaying) GetNowPlaying(_ context.Context) (*core.NowPlaying, error) {
	return m.np, m.err
}

func testServerConfig() *core.ServerConfig {
	return &core.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func newTestServer(t *testing.T, poller *mockPoller, reconciler *mockReconciler,
	metadata *mockMetadata, nowPlaying *mockNowPlaying) *httptest.Server {
	t.Helper()

	s := NewServer(testServerConfig(), zap.NewNop(), poller, reconciler, metadata, nowPlaying)
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, &mockPoller{}, &mockReconciler{}, &mockMetadata{}, &mockNowPlaying{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Failed to call /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz returned status %d, expected %d", resp.StatusCode, http.StatusOK)
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "application/json" {
		t.Errorf("/healthz Content-Type = %q, expected application/json", contentType)
	}
}

func TestServer_ManualPoll(t *testing.T) {
	poller := &mockPoller{}
	ts := newTestServer(t, poller, &mockReconciler{}, &mockMetadata{}, &mockNowPlaying{})

	resp, err := http.Post(ts.URL+"/api/poll", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("Failed to call /api/poll: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/poll returned status %d, expected %d", resp.StatusCode, http.StatusOK)
	}
	if poller.calls != 1 {
		t.Errorf("Expected 1 poll call, got %d", poller.calls)
	}

	// GET is not allowed on triggers.
	getResp, err := http.Get(ts.URL + "/api/poll")
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/poll returned status %d, expected %d", getResp.StatusCode, http.StatusMethodNotAllowed)
	}
	if poller.calls != 1 {
		t.Errorf("GET must not trigger a poll, got %d calls", poller.calls)
	}
}

func TestServer_ManualPollError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "transient fetch",
			err: fmt.Errorf("snapshot fetch: %w",
				&core.TransientFetchError{Op: "current_playback", Err: errors.New("connection reset")}),
			want: http.StatusBadGateway,
		},
		{
			name: "store write",
			err:  &core.StoreWriteError{Op: "insert_play", Collection: "plays", Err: errors.New("write concern timeout")},
			want: http.StatusInternalServerError,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			poller := &mockPoller{err: c.err}
			ts := newTestServer(t, poller, &mockReconciler{}, &mockMetadata{}, &mockNowPlaying{})

			resp, err := http.Post(ts.URL+"/api/poll", "application/json", http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != c.want {
				t.Errorf("Failed poll should return %d, got %d", c.want, resp.StatusCode)
			}
		})
	}
}

func TestServer_ManualReconcile(t *testing.T) {
	reconciler := &mockReconciler{}
	ts := newTestServer(t, &mockPoller{}, reconciler, &mockMetadata{}, &mockNowPlaying{})

	resp, err := http.Post(ts.URL+"/api/reconcile", "application/json", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/reconcile returned status %d, expected %d", resp.StatusCode, http.StatusOK)
	}
	if reconciler.calls != 1 {
		t.Errorf("Expected 1 reconcile call, got %d", reconciler.calls)
	}
}

func TestServer_SyncMetadataPartial(t *testing.T) {
	metadata := &mockMetadata{
		report: core.SyncReport{ArtistsSynced: 2},
		err:    errors.New("fetch album al1: upstream 500"),
	}
	ts := newTestServer(t, &mockPoller{}, &mockReconciler{}, metadata, &mockNowPlaying{})

	resp, err := http.Post(ts.URL+"/api/sync-metadata", "application/json", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Partial sweep should still return %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var body struct {
		Status string          `json:"status"`
		Report core.SyncReport `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "partial" {
		t.Errorf("Expected partial status, got %q", body.Status)
	}
	if body.Report.ArtistsSynced != 2 {
		t.Errorf("Partial report should carry counts, got %+v", body.Report)
	}
}

func TestServer_NowPlaying(t *testing.T) {
	nowPlaying := &mockNowPlaying{np: &core.NowPlaying{
		IsPlaying: true,
		Title:     "Song",
		Artist:    "Artist",
	}}
	ts := newTestServer(t, &mockPoller{}, &mockReconciler{}, &mockMetadata{}, nowPlaying)

	resp, err := http.Get(ts.URL + "/api/now-playing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var np core.NowPlaying
	if err := json.NewDecoder(resp.Body).Decode(&np); err != nil {
		t.Fatal(err)
	}
	if !np.IsPlaying || np.Title != "Song" {
		t.Errorf("Unexpected now playing body: %+v", np)
	}
}

func TestServer_NowPlayingEmpty(t *testing.T) {
	ts := newTestServer(t, &mockPoller{}, &mockReconciler{}, &mockMetadata{}, &mockNowPlaying{})

	resp, err := http.Get(ts.URL + "/api/now-playing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if playing, ok := body["is_playing"].(bool); !ok || playing {
		t.Errorf("Empty cache should report not playing, got %v", body)
	}
}

func TestMetrics_ImplementsCoreMetrics(t *testing.T) {
	// Registration hits the global prometheus registry, so the collectors
	// are built once for the whole test binary.
	var _ core.Metrics = NewMetrics()
}
