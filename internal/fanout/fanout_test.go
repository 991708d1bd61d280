package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conduithq/conduit/internal/fanout"
	"github.com/conduithq/conduit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []models.AuditEvent
	metrics []models.Metric
}

func (s *recordingSink) Event(ctx context.Context, evt models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) Metric(ctx context.Context, m models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.metrics)
}

func TestSpawnEmitsEventAndMetric(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	f := fanout.New(ctx, 8, 8, sink)

	f.Spawn(fanout.Dispatched{
		Sparse:     models.SparseCMD{ConnectionPlatform: "stripe", PlatformVersion: "v1", Name: "create-charge", ActionName: models.ActionCreate},
		Connection: models.Connection{Key: "stripe-conn"},
		StatusCode: 201,
		Succeeded:  true,
	})

	require.Eventually(t, func() bool {
		e, m := sink.counts()
		return e == 1 && m == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSpawnCarriesRewrittenResponseHeaders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	f := fanout.New(ctx, 8, 8, sink)

	f.Spawn(fanout.Dispatched{
		Sparse:     models.SparseCMD{ConnectionPlatform: "stripe", PlatformVersion: "v1", Name: "create-charge", ActionName: models.ActionCreate},
		Connection: models.Connection{Key: "stripe-conn"},
		StatusCode: 201,
		Succeeded:  true,
		Headers:    map[string]string{"pica-passthrough-x-request-id": "abc123"},
	})

	require.Eventually(t, func() bool {
		e, _ := sink.counts()
		return e == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "abc123", sink.events[0].Headers["pica-passthrough-x-request-id"])
}

func TestSpawnNeverBlocksOnFullChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // consumer goroutines exit immediately

	sink := &recordingSink{}
	f := fanout.New(ctx, 1, 1, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.Spawn(fanout.Dispatched{Sparse: models.SparseCMD{}, Connection: models.Connection{}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Spawn blocked on a full channel")
	}
	assert.True(t, true)
}
