package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(cfg Config) *Client {
	c := New(cfg)
	c.baseWait = time.Millisecond
	c.jitter = func() float64 { return 0 }
	return c
}

func TestGetRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"s":"ok"}`))
	}))
	defer srv.Close()

	res, err := fastClient(Config{}).Get(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	body, ok := res.JSON.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", body["s"])
}

func TestGetDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	_, err := fastClient(Config{}).Get(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var se *Err
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, "blocked", string(se.Body))
}

func TestGetExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fastClient(Config{}).Get(context.Background(), srv.URL, Options{Attempts: 2})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetSendsDefaultAndPerCallHeaders(t *testing.T) {
	var gotUA, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotExtra = r.Header.Get("X-Extra")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := fastClient(Config{UserAgent: "vietmarket/1.0"})
	res, err := c.Get(context.Background(), srv.URL, Options{
		Headers: map[string]string{"X-Extra": "yes"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "vietmarket/1.0", gotUA)
	assert.Equal(t, "yes", gotExtra)
	// Non-JSON bodies keep JSON nil but Body populated.
	assert.Nil(t, res.JSON)
	assert.Equal(t, "ok", string(res.Body))
}

func TestPostFormEncodesBody(t *testing.T) {
	var gotCT, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		gotBody = r.PostFormValue("page")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := fastClient(Config{}).PostForm(context.Background(), srv.URL, url.Values{"page": {"2"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", gotCT)
	assert.Equal(t, "2", gotBody)
}

func TestContextCancelAbortsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{})
	c.baseWait = time.Hour // the cancel must win, not the back-off
	c.jitter = func() float64 { return 0 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, srv.URL, Options{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not abort on cancel")
	}
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string][]byte{}
	}
	c.m[key] = value
}

func TestGetServesFromCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	c := fastClient(Config{Cache: &memCache{}})
	opts := Options{CacheTTL: time.Minute}

	first, err := c.Get(context.Background(), srv.URL, opts)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), srv.URL, opts)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Body, second.Body)
	assert.True(t, second.OK)

	// Without a TTL the cache is bypassed.
	_, err = c.Get(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
