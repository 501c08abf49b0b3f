// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps backoff waits negligible in tests.
var fastPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetry_ImmediateSuccess(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), fastPolicy, func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), fastPolicy, func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), fastPolicy, func() error {
		atomic.AddInt32(&calls, 1)
		return Transient(errors.New("timeout"))
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	var calls int32
	permanent := errors.New("missing required field")
	err := Retry(context.Background(), fastPolicy, func() error {
		atomic.AddInt32(&calls, 1)
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetry_ContextCancelled(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Retry(ctx, p, func() error {
		return Transient(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetry_DefaultAttempts(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		atomic.AddInt32(&calls, 1)
		return Transient(errors.New("timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetJSON_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ingest-engine/test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"btc","rank":1}`)
	}))
	defer ts.Close()

	var got struct {
		ID   string `json:"id"`
		Rank int    `json:"rank"`
	}
	header := http.Header{}
	header.Set("User-Agent", "ingest-engine/test")
	err := GetJSON(context.Background(), ts.Client(), ts.URL, header, &got)
	require.NoError(t, err)
	assert.Equal(t, "btc", got.ID)
	assert.Equal(t, 1, got.Rank)
}

func TestGetJSON_ServerErrorIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprintf("%d", code), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			defer ts.Close()

			var v map[string]any
			err := GetJSON(context.Background(), ts.Client(), ts.URL, nil, &v)
			require.Error(t, err)
			assert.True(t, IsTransient(err))
		})
	}
}

func TestGetJSON_ClientErrorIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	var v map[string]any
	err := GetJSON(context.Background(), ts.Client(), ts.URL, nil, &v)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestGetJSON_MalformedBodyIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{not valid json`)
	}))
	defer ts.Close()

	var v map[string]any
	err := GetJSON(context.Background(), ts.Client(), ts.URL, nil, &v)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestGetJSON_ConnectionFailureIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	ts.Close() // refuse connections

	var v map[string]any
	err := GetJSON(context.Background(), &http.Client{Timeout: time.Second}, ts.URL, nil, &v)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGetBody_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<rss version="2.0"></rss>`)
	}))
	defer ts.Close()

	body, err := GetBody(context.Background(), ts.Client(), ts.URL, nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rss")
}
