package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloader_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png bytes"))
	}))
	t.Cleanup(srv.Close)

	d := New()
	res, err := d.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), res.Body)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestDownloader_FetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	d := New()
	_, err := d.Fetch(context.Background(), srv.URL+"/missing.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDownloader_FetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	t.Cleanup(srv.Close)

	d := New(WithMaxBytes(64))
	_, err := d.Fetch(context.Background(), srv.URL+"/big.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDownloader_DeduplicatesConcurrentFetches(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	t.Cleanup(srv.Close)

	d := New()
	url := srv.URL + "/a.png"

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.Fetch(context.Background(), url)
		}()
	}

	// Give every goroutine time to join the in-flight call, then unblock.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i].Body)
	}
	assert.Equal(t, int64(1), calls.Load(), "all callers must share one request")
}

func TestDownloader_FailureIsForgotten(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	t.Cleanup(srv.Close)

	d := New()
	url := srv.URL + "/a.png"

	_, err := d.Fetch(context.Background(), url)
	require.Error(t, err)

	res, err := d.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), res.Body)
}
