package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBucketPerDomain(t *testing.T) {
	t.Parallel()

	l := New(1, 1)

	// First request per domain consumes the burst; a second one must block.
	assert.True(t, l.Allow("https://220volt.kz/search"))
	assert.False(t, l.Allow("https://220volt.kz/other"))

	// A different domain has its own bucket.
	assert.True(t, l.Allow("https://elcentre.kz/"))
}

func TestWWWPrefixSharesBucket(t *testing.T) {
	t.Parallel()

	l := New(1, 1)
	assert.True(t, l.Allow("https://www.ekt.kz/"))
	assert.False(t, l.Allow("https://ekt.kz/"))
}

func TestSetDomainOverride(t *testing.T) {
	t.Parallel()

	l := New(1, 1)
	l.SetDomain("intant.kz", 100, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("https://intant.kz/"), "burst slot %d", i)
	}
	assert.False(t, l.Allow("https://intant.kz/"))
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(0.001, 1)
	require.NoError(t, l.Wait(context.Background(), "https://volt.kz/"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://volt.kz/")
	require.Error(t, err)
}

func TestWaitRejectsUnparsableURL(t *testing.T) {
	t.Parallel()

	l := New(1, 1)
	err := l.Wait(context.Background(), "http://\x7f")
	require.Error(t, err)
}
