package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control_plane/store"
)

// controlPlaneStub records every write-API call the agent makes, in order.
type controlPlaneStub struct {
	mu       sync.Mutex
	calls    []string
	beats    []*store.Heartbeat
	events   []*store.SystemEvent
	failNext int // registration failures to inject
}

func (cp *controlPlaneStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		defer cp.mu.Unlock()

		if r.URL.Path == "/agents/register" && cp.failNext > 0 {
			cp.failNext--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		cp.calls = append(cp.calls, r.URL.Path)
		switch r.URL.Path {
		case "/agents/heartbeat":
			var hb store.Heartbeat
			if err := json.NewDecoder(r.Body).Decode(&hb); err == nil {
				cp.beats = append(cp.beats, &hb)
			}
		case "/agents/event":
			var e store.SystemEvent
			if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
				cp.events = append(cp.events, &e)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (cp *controlPlaneStub) snapshot() ([]string, []*store.Heartbeat, []*store.SystemEvent) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.calls...),
		append([]*store.Heartbeat(nil), cp.beats...),
		append([]*store.SystemEvent(nil), cp.events...)
}

func testRuntime(t *testing.T, cp *controlPlaneStub, work WorkFunc) (*AgentRuntime, func()) {
	t.Helper()
	srv := httptest.NewServer(cp.handler())
	cfg := &Config{
		AgentID:           "agent-under-test",
		AgentName:         "test",
		ServerURL:         srv.URL,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	client := NewClient(cfg.ServerURL, "")
	return NewAgentRuntime(cfg, client, work, zerolog.Nop()), srv.Close
}

func TestLifecycleRegisterBeatStop(t *testing.T) {
	cp := &controlPlaneStub{}
	rt, closeSrv := testRuntime(t, cp, nil)
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, beats, _ := cp.snapshot()
		return len(beats) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	calls, beats, _ := cp.snapshot()
	assert.Equal(t, "/agents/register", calls[0], "registration precedes everything")
	assert.Equal(t, store.AgentActive, beats[0].ReportedState, "first beat reports active")
	assert.Equal(t, store.AgentStopped, beats[len(beats)-1].ReportedState, "graceful shutdown beats stopped")
	assert.Equal(t, "agent-under-test", beats[0].AgentID)
	assert.Contains(t, beats[0].Metrics, "goroutines")
}

func TestHeartbeatPrecedesWorkEachCycle(t *testing.T) {
	cp := &controlPlaneStub{}
	var mu sync.Mutex
	var beatsSeenAtWork []int

	rt, closeSrv := testRuntime(t, cp, func(ctx context.Context) error {
		_, beats, _ := cp.snapshot()
		mu.Lock()
		beatsSeenAtWork = append(beatsSeenAtWork, len(beats))
		mu.Unlock()
		return nil
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beatsSeenAtWork) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	// Cycle n runs after the initial active beat plus n cycle beats: work must
	// always observe at least one more beat than completed work units.
	for i, seen := range beatsSeenAtWork {
		assert.GreaterOrEqual(t, seen, i+2, "work unit %d ran before its heartbeat", i)
	}
}

func TestWorkFailuresAreCountedAndReported(t *testing.T) {
	cp := &controlPlaneStub{}
	rt, closeSrv := testRuntime(t, cp, func(ctx context.Context) error {
		return errors.New("flaky downstream")
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, beats, events := cp.snapshot()
		if len(events) == 0 {
			return false
		}
		last := beats[len(beats)-1]
		return last.ErrorCount >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, beats, events := cp.snapshot()
	assert.Equal(t, "agent.work_failed", events[0].EventType)
	assert.Equal(t, store.EventError, events[0].Severity)
	assert.Equal(t, "flaky downstream", events[0].Payload["error"])
	// The counter is cumulative, never reset between beats.
	assert.GreaterOrEqual(t, beats[len(beats)-1].ErrorCount, int64(2))
}

func TestFailedWorkBeatsErrorUntilRecovered(t *testing.T) {
	cp := &controlPlaneStub{}
	var calls int
	var mu sync.Mutex
	rt, closeSrv := testRuntime(t, cp, func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return errors.New("flaky downstream")
		}
		return nil
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Keep beating through the failures, then two clean cycles.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 5
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, beats, _ := cp.snapshot()
	var states []store.AgentState
	for _, hb := range beats {
		states = append(states, hb.ReportedState)
	}
	// A failing agent stays visible: it reports Error, never goes silent.
	assert.Contains(t, states, store.AgentError)
	// And once work succeeds again it goes back to reporting Active.
	var lastError, lastActive int
	for i, st := range states {
		switch st {
		case store.AgentError:
			lastError = i
		case store.AgentActive:
			lastActive = i
		}
	}
	assert.Greater(t, lastActive, lastError, "agent returns to Active after recovery")
}

func TestRegistrationRetriesUntilReachable(t *testing.T) {
	cp := &controlPlaneStub{failNext: 1}
	rt, closeSrv := testRuntime(t, cp, nil)
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// First attempt is rejected; the retry lands after ~1s of backoff.
	require.Eventually(t, func() bool {
		calls, _, _ := cp.snapshot()
		return len(calls) > 0 && calls[0] == "/agents/register"
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "heartbeat out of order", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.Heartbeat(context.Background(), &store.Heartbeat{AgentID: "a", Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "heartbeat out of order")
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	require.NoError(t, c.Deregister(context.Background(), "a"))
	assert.Equal(t, "Bearer s3cret", gotAuth)
}
