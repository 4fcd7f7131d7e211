package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/reader-engine/internal/storage"
)

func collect(t *testing.T, sub *Subscription, want int) []Event {
	t.Helper()

	out := make([]Event, 0, want)
	timeout := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), want)
		}
	}
	return out
}

func TestLog_OrderAndSequence(t *testing.T) {
	log := NewLog("doc-1")
	sub := log.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		log.Publish(TypeTextChunk, storage.StatusTextStreaming, TextChunkPayload{Seq: i})
	}
	log.Close()

	got := collect(t, sub, 10)
	require.Len(t, got, 10)
	for i, evt := range got {
		assert.Equal(t, i, evt.Seq)
		assert.Equal(t, "doc-1", evt.DocumentID)
	}

	_, open := <-sub.C
	assert.False(t, open, "channel should close after history drains")
}

func TestLog_LateSubscriberReplaysHistory(t *testing.T) {
	log := NewLog("doc-1")

	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)
	log.Publish(TypeLayoutReady, storage.StatusLayoutRunning, nil)
	log.Publish(TypeComplete, storage.StatusComplete, nil)

	sub := log.Subscribe()
	defer sub.Cancel()

	got := collect(t, sub, 3)
	require.Len(t, got, 3)
	assert.Equal(t, TypeTextChunk, got[0].Type)
	assert.Equal(t, TypeLayoutReady, got[1].Type)
	assert.Equal(t, TypeComplete, got[2].Type)
}

func TestLog_ReplayThenLive(t *testing.T) {
	log := NewLog("doc-1")
	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)

	sub := log.Subscribe()
	defer sub.Cancel()

	first := collect(t, sub, 1)
	assert.Equal(t, 0, first[0].Seq)

	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)
	log.Close()

	second := collect(t, sub, 1)
	assert.Equal(t, 1, second[0].Seq)
}

func TestLog_ManySubscribersSeeIdenticalStreams(t *testing.T) {
	log := NewLog("doc-1")

	const subscribers = 8
	const total = 50

	var wg sync.WaitGroup
	results := make([][]Event, subscribers)
	for i := 0; i < subscribers; i++ {
		sub := log.Subscribe()
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Cancel()
			for evt := range sub.C {
				results[i] = append(results[i], evt)
			}
		}()
	}

	for i := 0; i < total; i++ {
		log.Publish(TypeTextChunk, storage.StatusTextStreaming, TextChunkPayload{Seq: i})
	}
	log.Close()
	wg.Wait()

	for i := 0; i < subscribers; i++ {
		require.Len(t, results[i], total, "subscriber %d", i)
		for j, evt := range results[i] {
			assert.Equal(t, j, evt.Seq, "subscriber %d has a gap or duplicate", i)
		}
	}
}

func TestLog_PublishAfterCloseIsDropped(t *testing.T) {
	log := NewLog("doc-1")
	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)
	log.Close()
	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)

	assert.Len(t, log.Snapshot(), 1)
	assert.True(t, log.Closed())
}

func TestSubscription_CancelStopsDelivery(t *testing.T) {
	log := NewLog("doc-1")
	sub := log.Subscribe()

	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)
	collect(t, sub, 1)

	sub.Cancel()
	sub.Cancel() // idempotent

	log.Publish(TypeTextChunk, storage.StatusTextStreaming, nil)
	log.Close()

	// The channel must close without blocking the publisher.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("cancelled subscription never closed")
		}
	}
}
