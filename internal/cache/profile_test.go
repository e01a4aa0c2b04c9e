package cache

import (
	"auth_api/internal/models"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	err     error
	gets    int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRedis) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	return redis.NewStatusResult("PONG", nil)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleUser() models.PublicUser {
	return models.PublicUser{ID: uuid.Must(uuid.NewV4()), Username: "alice", Email: "a@x.com"}
}

func TestFetch_MissLoadsAndCaches(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	var loads int
	load := func(context.Context) (models.PublicUser, error) {
		loads++
		return user, nil
	}

	got, err := c.Fetch(context.Background(), user.ID, load)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	got, err = c.Fetch(context.Background(), user.ID, load)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	assert.Equal(t, 1, loads)
	assert.Equal(t, time.Minute, rdb.ttls[profileKey(user.ID)])
}

func TestFetch_LoaderErrorIsNotCached(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	id := uuid.Must(uuid.NewV4())
	boom := errors.New("not found")

	_, err := c.Fetch(context.Background(), id, func(context.Context) (models.PublicUser, error) {
		return models.PublicUser{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rdb.data)
}

func TestFetch_RedisDownReadsThrough(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	for i := 0; i < 10; i++ {
		got, err := c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
			return user, nil
		})
		require.NoError(t, err)
		assert.Equal(t, user, got)
	}

	// The breaker opened, so later reads skip Redis entirely.
	assert.Less(t, rdb.gets, 10)
}

func TestFetch_CollapsesConcurrentMisses(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (models.PublicUser, error) {
		loads.Add(1)
		<-release
		return user, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Fetch(context.Background(), user.ID, load)
			assert.NoError(t, err)
			assert.Equal(t, user, got)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(8))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
}

func TestInvalidate(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	var loads int
	load := func(context.Context) (models.PublicUser, error) {
		loads++
		return user, nil
	}

	_, err := c.Fetch(context.Background(), user.ID, load)
	require.NoError(t, err)
	require.Contains(t, rdb.data, profileKey(user.ID))

	c.Invalidate(context.Background(), user.ID)
	v, _ := rdb.value(profileKey(user.ID))
	assert.Equal(t, tombstone, v)
	assert.Equal(t, tombstoneTTL, rdb.ttls[profileKey(user.ID)])

	_, err = c.Fetch(context.Background(), user.ID, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestInvalidate_DuringLoadIsNotOverwritten(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	loaded := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
			close(loaded)
			<-release
			return user, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, user, got)
	}()

	<-loaded
	c.Invalidate(context.Background(), user.ID)
	close(release)
	<-done

	v, _ := rdb.value(profileKey(user.ID))
	assert.Equal(t, tombstone, v)

	boom := errors.New("gone")
	_, err := c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
		return models.PublicUser{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestInvalidate_FlagsLoadEvenIfTombstoneExpired(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	loaded := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
			close(loaded)
			<-release
			return user, nil
		})
		assert.NoError(t, err)
	}()

	<-loaded
	c.Invalidate(context.Background(), user.ID)
	rdb.mu.Lock()
	delete(rdb.data, profileKey(user.ID))
	rdb.mu.Unlock()
	close(release)
	<-done

	_, ok := rdb.value(profileKey(user.ID))
	assert.False(t, ok)
}

func TestInvalidate_FailureBypassesCacheUntilRetried(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	_, err := c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
		return user, nil
	})
	require.NoError(t, err)

	rdb.setErr(errors.New("connection reset"))
	c.Invalidate(context.Background(), user.ID)
	rdb.setErr(nil)

	// The old profile is still in Redis but must not be served.
	boom := errors.New("gone")
	_, err = c.Fetch(context.Background(), user.ID, func(context.Context) (models.PublicUser, error) {
		return models.PublicUser{}, boom
	})
	assert.ErrorIs(t, err, boom)

	v, _ := rdb.value(profileKey(user.ID))
	assert.Equal(t, tombstone, v)
	assert.False(t, c.isStale(profileKey(user.ID)))
}

func TestFetch_LoadOutlivesCallerContext(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := c.Fetch(ctx, user.ID, func(loadCtx context.Context) (models.PublicUser, error) {
		if err := loadCtx.Err(); err != nil {
			return models.PublicUser{}, err
		}
		return user, nil
	})
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestFetch_FollowersSurviveLeaderCancel(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	user := sampleUser()

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(loadCtx context.Context) (models.PublicUser, error) {
		once.Do(func() { close(started) })
		<-release
		if err := loadCtx.Err(); err != nil {
			return models.PublicUser{}, err
		}
		return user, nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		_, _ = c.Fetch(leaderCtx, user.ID, load)
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), user.ID, load)
		followerErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)
	<-leaderDone

	assert.NoError(t, <-followerErr)
}

func TestPing(t *testing.T) {
	rdb := newFakeRedis()
	c := NewProfileCache(rdb, time.Minute, discardLogger())
	require.NoError(t, c.Ping(context.Background()))

	rdb.err = errors.New("down")
	assert.Error(t, c.Ping(context.Background()))
}
