package cve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/retry"
)

func testFeed(url string) *HTTPFeed {
	f := NewHTTPFeed(url, "k3y")
	f.Limiter = nil
	f.Retry = retry.Config{MaxAttempts: 3, InitDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Strategy: retry.Exponential}
	return f
}

func TestHTTPFeedPaginates(t *testing.T) {
	var sawKey, sawSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cves", r.URL.Path)
		sawKey = r.Header.Get("apiKey")
		sawSince = r.URL.Query().Get("since")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 1:
			_, _ = w.Write([]byte(`{"records":[{"cve_id":"CVE-2016-6210","product":"openssh","cvss_score":5.9,"affected_versions":[{"end_excluding":"7.3"}],"description":"user enumeration","published_date":"2017-02-13T00:00:00Z","last_synced":"0001-01-01T00:00:00Z","stale":false}],"next_page":2}`))
		case 2:
			_, _ = w.Write([]byte(`{"records":[{"cve_id":"CVE-2023-38408","product":"openssh","cvss_score":9.8,"affected_versions":[{"constraint":"< 9.3"}],"description":"agent rce","published_date":"2023-07-20T00:00:00Z","last_synced":"0001-01-01T00:00:00Z","stale":false}],"next_page":0}`))
		default:
			t.Errorf("unexpected page %d", page)
		}
	}))
	defer srv.Close()

	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	recs, err := testFeed(srv.URL).Fetch(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "CVE-2023-38408", recs[1].ID)
	assert.Equal(t, "k3y", sawKey)
	assert.Equal(t, "2024-01-02T03:04:05Z", sawSince)

	s := NewStore(Options{Feed: testFeed(srv.URL)})
	n, err := s.Sync(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Lookup("ssh", "7.2p2"), 2)
}

func TestHTTPFeedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"records":[],"next_page":0}`))
	}))
	defer srv.Close()

	recs, err := testFeed(srv.URL).Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPFeedGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testFeed(srv.URL).Fetch(context.Background(), time.Time{})
	assert.ErrorIs(t, err, finding.ErrExternalSourceUnavailable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPFeedDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testFeed(srv.URL).Fetch(context.Background(), time.Time{})
	assert.ErrorIs(t, err, finding.ErrExternalSourceUnavailable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, retryAfter(future), 30*time.Second)
}
