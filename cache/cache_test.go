package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newCacheTest(t *testing.T) (*Cache, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.OperationTimeout = time.Second
	c, err := New(rdb, cfg)
	require.NoError(t, err)
	return c, rdb, mr
}

func TestSetGetInvalidateByTag(t *testing.T) {
	c, _, _ := newCacheTest(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 60*time.Second, "t1"))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	n, err := c.InvalidateByTag(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestTagIsolation(t *testing.T) {
	c, rdb, _ := newCacheTest(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0, "t1"))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0, "t1", "t2"))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0, "t2"))

	_, err := c.InvalidateByTag(ctx, "t1")
	require.NoError(t, err)

	_, err = c.Get(ctx, "a")
	require.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "b")
	require.ErrorIs(t, err, ErrMiss)

	got, err := c.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)

	require.False(t, rdb.Exists(ctx, "gc:t:t1").Val() == 1, "tag set must be removed")
	require.Equal(t, "1", rdb.Get(ctx, "gc:v:t1").Val())
}

func TestSetRegistersEveryTagWithTTL(t *testing.T) {
	c, rdb, _ := newCacheTest(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 30*time.Second, "t1", "t2", "t1"))

	for _, tag := range []string{"t1", "t2"} {
		require.True(t, rdb.SIsMember(ctx, "gc:t:"+tag, "gc:k:k").Val())
		require.Greater(t, rdb.PTTL(ctx, "gc:t:"+tag).Val(), time.Duration(0))
	}
	require.Equal(t, 30*time.Second, rdb.PTTL(ctx, "gc:k:k").Val())
}

func TestSetRollsBackWhenTagRegistrationFails(t *testing.T) {
	c, rdb, _ := newCacheTest(t)
	ctx := context.Background()

	// A tag key of the wrong type makes SADD fail inside the script.
	require.NoError(t, rdb.Set(ctx, "gc:t:broken", "x", 0).Err())

	err := c.Set(ctx, "k", []byte("v"), time.Minute, "ok", "broken")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
	require.False(t, rdb.SIsMember(ctx, "gc:t:ok", "gc:k:k").Val())
}

func TestEntryExpires(t *testing.T) {
	c, _, mr := newCacheTest(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 60*time.Second))
	mr.FastForward(61 * time.Second)

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestDelete(t *testing.T) {
	c, _, _ := newCacheTest(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0, "t"))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Delete(ctx, "k"))
}

func TestInvalidateByPattern(t *testing.T) {
	c, _, _ := newCacheTest(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("user:42:item:%d", i), []byte("x"), 0))
	}
	require.NoError(t, c.Set(ctx, "user:7:item:1", []byte("y"), 0))

	n, err := c.InvalidateByPattern(ctx, "user:42:*")
	require.NoError(t, err)
	require.EqualValues(t, 20, n)

	got, err := c.Get(ctx, "user:7:item:1")
	require.NoError(t, err)
	require.Equal(t, []byte("y"), got)
}

func TestEntryTooLarge(t *testing.T) {
	c, _, _ := newCacheTest(t)

	err := c.Set(context.Background(), "k", make([]byte, (1<<20)+1), 0)
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestFillFencedByInvalidation(t *testing.T) {
	c, _, _ := newCacheTest(t)
	ctx := context.Background()

	lk, err := c.Lookup(ctx, "k", []string{"t1"})
	require.NoError(t, err)
	require.False(t, lk.Hit)

	// A write lands between the read and the fill.
	_, err = c.InvalidateByTag(ctx, "t1")
	require.NoError(t, err)

	err = c.Fill(ctx, lk, []byte("stale"), 0)
	require.ErrorIs(t, err, ErrFenced)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	lk, err = c.Lookup(ctx, "k", []string{"t1"})
	require.NoError(t, err)
	require.NoError(t, c.Fill(ctx, lk, []byte("fresh"), 0))

	lk, err = c.Lookup(ctx, "k", []string{"t1"})
	require.NoError(t, err)
	require.True(t, lk.Hit)
	require.Equal(t, []byte("fresh"), lk.Value)
}

func TestGetOrLoadDeduplicatesConcurrentLoads(t *testing.T) {
	c, _, _ := newCacheTest(t)
	ctx := context.Background()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		loads.Add(1)
		<-release
		return []byte("loaded"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			v, _, err := c.GetOrLoad(ctx, "k", []string{"t"}, 0, load)
			if err != nil {
				t.Errorf("get or load: %v", err)
				return
			}
			if string(v) != "loaded" {
				t.Errorf("unexpected value %q", v)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, loads.Load(), int32(callers))
	require.GreaterOrEqual(t, loads.Load(), int32(1))

	v, status, err := c.GetOrLoad(ctx, "k", []string{"t"}, 0, load)
	require.NoError(t, err)
	require.Equal(t, StatusHit, status)
	require.Equal(t, []byte("loaded"), v)
}

func TestGetOrLoadBypassesOnStoreError(t *testing.T) {
	c, _, mr := newCacheTest(t)
	var observed []string
	c.config.OnError = func(op string, err error) {
		observed = append(observed, op)
	}
	mr.SetError("LOADING")

	v, status, err := c.GetOrLoad(context.Background(), "k", nil, 0, func(context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusBypass, status)
	require.Equal(t, []byte("direct"), v)
	require.Equal(t, []string{"lookup"}, observed)
}

func TestGetOrLoadPropagatesLoadError(t *testing.T) {
	c, _, _ := newCacheTest(t)
	boom := errors.New("boom")

	_, _, err := c.GetOrLoad(context.Background(), "k", nil, 0, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = c.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestStoreErrors(t *testing.T) {
	c, _, mr := newCacheTest(t)
	mr.SetError("LOADING")
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, c.Set(ctx, "k", []byte("v"), 0, "t"), ErrStoreUnavailable)
	_, err = c.InvalidateByTag(ctx, "t")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = c.InvalidateByPattern(ctx, "*")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Prefix = ""
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxEntryBytes = 0
	require.Error(t, bad.Validate())

	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
}
