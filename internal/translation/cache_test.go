package translation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/reader-engine/internal/cache"
	"github.com/docsight/reader-engine/internal/observability"
)

// blockingTranslator counts collaborator calls and can hold them open so
// tests control when in-flight requests finish.
type blockingTranslator struct {
	calls   atomic.Int64
	release chan struct{}
}

func (b *blockingTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	b.calls.Add(1)
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return targetLang + ":" + text, nil
}

func newTestCache(tr Translator) *Cache {
	return NewCache(tr, cache.NewMemoryClient(100), observability.Nop(), Config{TTL: time.Hour})
}

func TestTranslate_CachesResult(t *testing.T) {
	tr := &blockingTranslator{}
	c := newTestCache(tr)
	ctx := context.Background()

	first, err := c.Translate(ctx, "hello", "ja")
	require.NoError(t, err)
	assert.Equal(t, "ja:hello", first)

	second, err := c.Translate(ctx, "hello", "ja")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), tr.calls.Load(), "repeat request must serve from cache")
}

func TestTranslate_CoalescesConcurrentRequests(t *testing.T) {
	tr := &blockingTranslator{release: make(chan struct{})}
	c := newTestCache(tr)
	ctx := context.Background()

	const concurrent = 10
	results := make([]string, concurrent)
	errs := make([]error, concurrent)

	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Translate(ctx, "same text", "en")
		}()
	}

	// Give every goroutine time to join the in-flight call, then let
	// the single collaborator request finish.
	time.Sleep(50 * time.Millisecond)
	close(tr.release)
	wg.Wait()

	for i := 0; i < concurrent; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "en:same text", results[i])
	}
	assert.Equal(t, int64(1), tr.calls.Load(), "identical concurrent requests must collapse to one call")
}

func TestTranslate_DistinctLanguagesDoNotCollide(t *testing.T) {
	tr := &blockingTranslator{}
	c := newTestCache(tr)
	ctx := context.Background()

	ja, err := c.Translate(ctx, "hello", "ja")
	require.NoError(t, err)
	fr, err := c.Translate(ctx, "hello", "fr")
	require.NoError(t, err)

	assert.NotEqual(t, ja, fr)
	assert.Equal(t, int64(2), tr.calls.Load())
}

func TestKey_Stable(t *testing.T) {
	assert.Equal(t, Key("hello", "ja"), Key("hello", "ja"))
	assert.NotEqual(t, Key("hello", "ja"), Key("hello", "fr"))
	assert.NotEqual(t, Key("hello", "ja"), Key("hellp", "ja"))

	// The separator keeps (text, lang) pairs from aliasing each other.
	assert.NotEqual(t, Key("ab", "c"), Key("b", "ca"))
}
