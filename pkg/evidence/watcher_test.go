package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/betagate/pkg/phase"
)

func TestWatcher_DetectsDroppedEvidence(t *testing.T) {
	c := newTestCollector(t)

	var mu sync.Mutex
	var got []Summary
	w := NewWatcher(c, func(_ phase.Phase, sum Summary) {
		mu.Lock()
		got = append(got, sum)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the phase directories
	time.Sleep(200 * time.Millisecond)

	// drop an evidence file directly into the phase directory, bypassing Store
	rec := Record{ID: "ext-1", Phase: phase.Onboarding, Kind: "signup_flow", Status: "verified", Valid: true,
		Data: map[string]any{"success_rate": 99.0}, Timestamp: time.Now()}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	path := filepath.Join(c.Root(), "ONBOARDING", "evidence_external.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 50*time.Millisecond, "watcher should report the dropped file")

	mu.Lock()
	sum := got[0]
	mu.Unlock()
	assert.Equal(t, phase.Onboarding, sum.Phase)
	assert.Equal(t, 1, sum.Records)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_SkipsCollectorWrites(t *testing.T) {
	c := newTestCollector(t)

	called := make(chan struct{}, 1)
	w := NewWatcher(c, func(_ phase.Phase, _ Summary) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// submissions through the collector are reported by the caller already,
	// the watcher must stay silent for them
	_, err := c.Store(phase.Onboarding, "signup_flow", map[string]any{"success_rate": 99.0})
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("collector-written file should not trigger the callback")
	case <-time.After(500 * time.Millisecond):
	}

	// an external drop after that still fires
	rec := Record{ID: "ext-2", Phase: phase.Onboarding, Kind: "user_documentation", Status: "verified", Valid: true,
		Data: map[string]any{"guide": true}, Timestamp: time.Now()}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	path := filepath.Join(c.Root(), "ONBOARDING", "evidence_external.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool {
		select {
		case <-called:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond, "external drop should still be reported")

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	c := newTestCollector(t)

	called := make(chan struct{}, 1)
	w := NewWatcher(c, func(_ phase.Phase, _ Summary) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(c.Root(), "ONBOARDING", "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not evidence"), 0o600))

	select {
	case <-called:
		t.Fatal("unrelated file should not trigger the callback")
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
