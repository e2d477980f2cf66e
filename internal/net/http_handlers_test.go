package net

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gridsync/server"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/observability"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/sched"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
)

type stubParticipant struct {
	id grid.ParticipantID
}

func (p stubParticipant) ID() grid.ParticipantID { return p.id }

func (p stubParticipant) OnChangeSet(context.Context, grid.ChangeSet) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p stubParticipant) OnLifecycle(context.Context, remote.LifecycleEvent) remote.Result[remote.Done] {
	return remote.Delivered()
}

func (p stubParticipant) OnLeaseExpired(context.Context) remote.Result[bool] {
	return remote.Ok(true)
}

func (p stubParticipant) Invalidate(context.Context) remote.Result[remote.Done] {
	return remote.Delivered()
}

func newTestHub(t *testing.T, mutate func(*server.HubConfig)) *server.Hub {
	t.Helper()
	cfg := server.DefaultHubConfig()
	cfg.Width, cfg.Height = 6, 6
	cfg.Logger = telemetry.Discard()
	if mutate != nil {
		mutate(&cfg)
	}
	hub := server.NewHub(cfg, nil,
		server.WithTickScheduler(sched.NewManual(time.Unix(0, 0))),
		server.WithLeaseScheduler(sched.NewManual(time.Unix(0, 0))),
	)
	t.Cleanup(hub.Close)
	return hub
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(newTestHub(t, nil), HTTPHandlerConfig{Logger: telemetry.Discard()})
	resp := serve(handler, http.MethodGet, "/health")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.Code, resp.Body.String())
	}
}

func TestStateReturnsCommittedSnapshot(t *testing.T) {
	hub := newTestHub(t, nil)
	start := grid.Pos(2, 3)
	if _, err := hub.Register(stubParticipant{id: "p1"}, &start); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	hub.Wait()
	hub.Tick()
	hub.Wait()

	handler := NewHTTPHandler(hub, HTTPHandlerConfig{Logger: telemetry.Discard()})
	resp := serve(handler, http.MethodGet, "/state")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}

	var snapshot grid.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Sequence != 1 || snapshot.Width != 6 || snapshot.Height != 6 {
		t.Fatalf("unexpected snapshot header %+v", snapshot)
	}
	occupancy, err := snapshot.Occupancy()
	if err != nil {
		t.Fatalf("snapshot does not decode: %v", err)
	}
	if occupancy.At(start) != 1 || occupancy.Sum() != 1 {
		t.Fatalf("expected a single participant at %s", start)
	}

	if resp := serve(handler, http.MethodPost, "/state"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /state, got %d", resp.Code)
	}
}

func TestDiagnosticsListsParticipantsAndRelays(t *testing.T) {
	hub := newTestHub(t, func(cfg *server.HubConfig) {
		cfg.Broadcast.RelayCapacity = 1
	})
	for i := 0; i < 2; i++ {
		if _, err := hub.Register(stubParticipant{id: grid.ParticipantID(fmt.Sprintf("p%d", i))}, nil); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	hub.Wait()

	handler := NewHTTPHandler(hub, HTTPHandlerConfig{
		Logger: telemetry.Discard(),
		LoggingStats: func() logging.RouterStats {
			return logging.RouterStats{EventsTotal: 7, DroppedTotal: 1}
		},
	})
	resp := serve(handler, http.MethodGet, "/diagnostics")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d", resp.Code)
	}

	var payload struct {
		Status       string `json:"status"`
		Participants []struct {
			ID    string `json:"id"`
			Lease string `json:"lease"`
			Relay string `json:"relay"`
		} `json:"participants"`
		Relays []struct {
			ID      string `json:"id"`
			Members int    `json:"members"`
		} `json:"relays"`
		Telemetry struct {
			Registrations uint64 `json:"registrations"`
		} `json:"telemetry"`
		Logging logging.RouterStats `json:"logging"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload.Logging.EventsTotal != 7 || payload.Logging.DroppedTotal != 1 {
		t.Fatalf("expected router stats in diagnostics, got %+v", payload.Logging)
	}
	if payload.Status != "ok" || len(payload.Participants) != 2 {
		t.Fatalf("unexpected diagnostics %s", resp.Body.String())
	}
	if payload.Participants[1].Relay != "relay-1" || payload.Participants[0].Lease != "not_timed_out" {
		t.Fatalf("unexpected participants %+v", payload.Participants)
	}
	if len(payload.Relays) != 1 || payload.Relays[0].Members != 1 {
		t.Fatalf("unexpected relays %+v", payload.Relays)
	}
	if payload.Telemetry.Registrations != 2 {
		t.Fatalf("expected two registrations, got %d", payload.Telemetry.Registrations)
	}
}

func TestRelayMigrate(t *testing.T) {
	hub := newTestHub(t, func(cfg *server.HubConfig) {
		cfg.Broadcast.RelayCapacity = 1
	})
	for i := 0; i < 2; i++ {
		if _, err := hub.Register(stubParticipant{id: grid.ParticipantID(fmt.Sprintf("p%d", i))}, nil); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	hub.Wait()
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{Logger: telemetry.Discard()})

	if resp := serve(handler, http.MethodGet, "/relays/migrate?from=relay-1"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodPost, "/relays/migrate"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without from, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodPost, "/relays/migrate?from=relay-9"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown relay, got %d", resp.Code)
	}

	resp := serve(handler, http.MethodPost, "/relays/migrate?from=relay-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Moved int `json:"moved"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode migrate response: %v", err)
	}
	if payload.Moved != 1 {
		t.Fatalf("expected one participant moved, got %d", payload.Moved)
	}
	if assignment, ok := hub.Assignment("p1"); !ok || assignment.Relay != "relay-2" {
		t.Fatalf("expected p1 to land on a fresh relay, got %+v", assignment)
	}
}

func TestPprofIsOptIn(t *testing.T) {
	hub := newTestHub(t, nil)
	off := NewHTTPHandler(hub, HTTPHandlerConfig{Logger: telemetry.Discard()})
	if resp := serve(off, http.MethodGet, "/debug/pprof/"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected pprof to be disabled by default, got %d", resp.Code)
	}
	on := NewHTTPHandler(hub, HTTPHandlerConfig{
		Logger:        telemetry.Discard(),
		Observability: observability.Config{EnablePprofTrace: true},
	})
	if resp := serve(on, http.MethodGet, "/debug/pprof/"); resp.Code != http.StatusOK {
		t.Fatalf("expected pprof index when enabled, got %d", resp.Code)
	}
}
