package endpoint

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

func urlList(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://wallet-%d:18083", i)
	}
	return urls
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"buyer", "vendor", "arbiter"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}

	_, err := ParseRole("auditor")
	require.Error(t, err)
	assert.True(t, errors.Is(err, escrowerr.ErrValidation))
}

func TestAllocateConcurrentNoCollisions(t *testing.T) {
	pool := New(urlList(10), urlList(1), urlList(1))

	var (
		mu      sync.Mutex
		seen    = make(map[string]int)
		wg      sync.WaitGroup
		handles = make([]*Handle, 0, 10)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := pool.Allocate(RoleBuyer)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[h.URL]++
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// every endpoint allocated exactly once, never the same one twice
	assert.Len(t, seen, 10)
	for url, count := range seen {
		assert.Equal(t, 1, count, "endpoint %s allocated more than once", url)
	}

	for _, h := range handles {
		pool.Release(h)
	}
}

func TestAllocateRoundRobinAdvances(t *testing.T) {
	pool := New(urlList(4), urlList(1), urlList(1))

	// allocate and release repeatedly; the cursor must keep moving
	// instead of handing back the same endpoint every time
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		h, err := pool.Allocate(RoleBuyer)
		require.NoError(t, err)
		seen[h.URL] = true
		pool.Release(h)
	}
	assert.Len(t, seen, 4, "allocate/release cycle pinned to a subset of endpoints")
}

func TestAllocateCapacityExceeded(t *testing.T) {
	pool := New(urlList(2), urlList(1), urlList(1))

	h1, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	h2, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	assert.NotEqual(t, h1.URL, h2.URL)

	_, err = pool.Allocate(RoleBuyer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, escrowerr.ErrCapacityExceeded))

	pool.Release(h1)
	h3, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, h1.URL, h3.URL)
}

func TestAllocateSkipsTrippedEndpoint(t *testing.T) {
	pool := New(urlList(2), urlList(1), urlList(1))

	h, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		pool.RecordFailure(h)
	}
	pool.Release(h)
	assert.False(t, pool.Healthy(h.URL))

	// the tripped endpoint stays out of rotation
	h2, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	assert.NotEqual(t, h.URL, h2.URL)

	_, err = pool.Allocate(RoleBuyer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, escrowerr.ErrCapacityExceeded))
}

func TestReleaseIdempotent(t *testing.T) {
	pool := New(urlList(1), urlList(1), urlList(1))

	h, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	pool.Release(h)
	pool.Release(h)
	pool.Release(nil)

	h2, err := pool.Allocate(RoleBuyer)
	require.NoError(t, err)
	pool.Release(h2)
}

func TestPoolStats(t *testing.T) {
	pool := New(urlList(3), urlList(2), urlList(1))

	h, err := pool.Allocate(RoleVendor)
	require.NoError(t, err)

	byRole := make(map[Role]Stats)
	for _, s := range pool.PoolStats() {
		byRole[s.Role] = s
	}
	assert.Equal(t, 3, byRole[RoleBuyer].Total)
	assert.Equal(t, 0, byRole[RoleBuyer].Allocated)
	assert.Equal(t, 2, byRole[RoleVendor].Total)
	assert.Equal(t, 1, byRole[RoleVendor].Allocated)

	pool.Release(h)
}
