package probe

import (
	"context"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/discovery"
	"github.com/waftester/vulnassess/pkg/hosterrors"
	"github.com/waftester/vulnassess/pkg/ratelimit"
	"github.com/waftester/vulnassess/pkg/retry"
	"github.com/waftester/vulnassess/pkg/target"
)

func newTarget(t *testing.T, srv *httptest.Server) target.ScanTarget {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	tgt, err := target.Resolve(context.Background(), target.Spec{
		Host:       u.Hostname(),
		Ports:      u.Port(),
		BaseURLs:   []string{srv.URL},
		Authorized: true,
	}, nil)
	require.NoError(t, err)
	return tgt
}

func baseEndpoint(srv *httptest.Server) []discovery.Endpoint {
	return []discovery.Endpoint{{URL: srv.URL + "/", Method: http.MethodGet, Source: "base"}}
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return c
}

func hardened(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
}

func matched(rs []Result) []Result {
	var out []Result
	for _, r := range rs {
		if r.Matched {
			out = append(out, r)
		}
	}
	return out
}

func TestReflectedXSSMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hardened(w)
		_, _ = w.Write([]byte("<p>Results for " + r.URL.Query().Get("q") + "</p><p>" + html.EscapeString(r.URL.Query().Get("id")) + "</p>"))
	}))
	defer srv.Close()

	cases := defaultCatalog(t).Filter([]catalog.Class{catalog.ClassXSS}, false)
	p := New(Options{Client: srv.Client()})
	results, err := p.ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), cases)
	require.NoError(t, err)

	hits := matched(results)
	require.NotEmpty(t, hits)
	for _, r := range hits {
		assert.Equal(t, "q", r.Param, "only q is reflected unescaped")
		assert.Contains(t, r.Evidence, "va-xss")
		assert.NotNil(t, r.Baseline)
		assert.NotEqual(t, r.Baseline.BodyHash, r.Response.BodyHash)
		assert.Contains(t, r.Location, "[query:q]")
		assert.Contains(t, r.Request.URL, "q=")
	}
}

func TestInertTargetNeverMatches(t *testing.T) {
	apiLimiter := rate.NewLimiter(1, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hardened(w)
		if r.URL.Path == "/api" {
			if !apiLimiter.Allow() {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		_, _ = w.Write([]byte("<html><body><h1>Welcome</h1></body></html>"))
	}))
	defer srv.Close()

	c := defaultCatalog(t)
	tgt := newTarget(t, srv)
	p := New(Options{Client: srv.Client()})

	web, err := p.ProbeEndpoints(context.Background(), tgt, baseEndpoint(srv), c.Filter(nil, false))
	require.NoError(t, err)
	require.NotEmpty(t, web)
	assert.Empty(t, matched(web))

	apiEps := []discovery.Endpoint{{URL: srv.URL + "/api", Method: http.MethodGet, API: true}}
	api, err := New(Options{Client: srv.Client(), API: true}).ProbeEndpoints(context.Background(), tgt, apiEps, c.Filter(nil, true))
	require.NoError(t, err)
	require.NotEmpty(t, api)
	assert.Empty(t, matched(api))
	for _, r := range api {
		assert.True(t, r.API)
	}
}

func TestBaselineDiffSuppressesConstantErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hardened(w)
		_, _ = w.Write([]byte("Warning: You have an error in your SQL syntax; check the manual"))
	}))
	defer srv.Close()

	cases := defaultCatalog(t).Filter([]catalog.Class{catalog.ClassSQLi}, false)
	var errorRows []catalog.TestCase
	for _, tc := range cases {
		if tc.Predicate.Kind == catalog.PredicateRegex {
			errorRows = append(errorRows, tc)
		}
	}
	require.NotEmpty(t, errorRows)

	results, err := New(Options{Client: srv.Client()}).ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), errorRows)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Empty(t, matched(results))
}

func TestSQLErrorMatchesOnlyOnPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hardened(w)
		if strings.Contains(r.URL.Query().Get("id"), "'") {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("ERROR: syntax error at or near \"'\""))
			return
		}
		_, _ = w.Write([]byte("item"))
	}))
	defer srv.Close()

	tc, ok := defaultCatalog(t).Get("sqli-error-quote")
	require.True(t, ok)
	results, err := New(Options{Client: srv.Client()}).ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), []catalog.TestCase{tc})
	require.NoError(t, err)
	hits := matched(results)
	require.Len(t, hits, 1)
	assert.Equal(t, "id", hits[0].Param)
	assert.Equal(t, 500, hits[0].Response.Status)
	assert.Equal(t, 200, hits[0].Baseline.Status)
}

func TestTimingPredicateUsesBaselineLatency(t *testing.T) {
	cat, err := catalog.Parse([]byte(`tests:
  - id: slow
    class: sqli
    injection: query
    params: [q]
    payload: sleep
    baseline: fast
    predicate: {kind: timing, delay_ms: 200}
    cwe: CWE-89
    owasp: A03:2021
`))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "sleep" {
			time.Sleep(400 * time.Millisecond)
		}
	}))
	defer srv.Close()

	eps := []discovery.Endpoint{{URL: srv.URL + "/", Method: "GET", Params: []string{"q"}}}
	results, err := New(Options{Client: srv.Client()}).ProbeEndpoints(context.Background(), newTarget(t, srv), eps, cat.All())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.Contains(t, results[0].Evidence, "delayed")
}

func TestPassiveHeaderCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Powered-By", "PHP/5.6.40")
	}))
	defer srv.Close()

	c := defaultCatalog(t)
	csp, _ := c.Get("headers-csp-missing")
	pb, _ := c.Get("info-powered-by")
	results, err := New(Options{Client: srv.Client()}).ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), []catalog.TestCase{csp, pb})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Matched, r.TestCaseID)
	}
	assert.Equal(t, "X-Powered-By: PHP/5.6.40", results[1].Evidence)
}

func TestUnreachableEndpointIsInconclusive(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tgt := newTarget(t, srv)
	eps := baseEndpoint(srv)
	srv.Close()

	tc, _ := defaultCatalog(t).Get("xss-script-tag")
	results, err := New(Options{Retry: retry.Config{MaxAttempts: 1}}).ProbeEndpoints(context.Background(), tgt, eps, []catalog.TestCase{tc})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.False(t, r.Matched)
		assert.True(t, r.Inconclusive)
		assert.Equal(t, EvidenceProbeError, r.Evidence)
		assert.NotEmpty(t, r.Error)
	}
}

func TestDeadEndpointIsSkippedAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tgt := newTarget(t, srv)
	eps := baseEndpoint(srv)
	srv.Close()

	hc := hosterrors.New(2, 0)
	cases := defaultCatalog(t).Filter([]catalog.Class{catalog.ClassXSS}, false)
	p := New(Options{Workers: 1, HostErrors: hc, Retry: retry.Config{MaxAttempts: 1}})
	results, err := p.ProbeEndpoints(context.Background(), tgt, eps, cases)
	require.NoError(t, err)
	require.Greater(t, len(results), 2)

	skipped := 0
	for _, r := range results {
		assert.True(t, r.Inconclusive)
		assert.Equal(t, EvidenceProbeError, r.Evidence)
		if strings.Contains(r.Error, "marked unreachable") {
			skipped++
		}
	}
	assert.Equal(t, len(results)-2, skipped)
	assert.Equal(t, 1, hc.Len())
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestPanickingCaseIsIsolated(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := defaultCatalog(t)
	csp, _ := c.Get("headers-csp-missing")
	p := New(Options{Client: &http.Client{Transport: panicTransport{}}})
	results, err := p.ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), []catalog.TestCase{csp})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Inconclusive)
	assert.Equal(t, EvidenceProbeError, results[0].Evidence)
	assert.Contains(t, results[0].Error, "transport exploded")
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
	}))
	defer srv.Close()

	c := defaultCatalog(t)
	csp, _ := c.Get("headers-csp-missing")
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	p := New(Options{Client: client, Retry: retry.Config{MaxAttempts: 2, InitDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	results, err := p.ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), []catalog.TestCase{csp})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Inconclusive)
	assert.True(t, results[0].Matched)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStopPreventsDispatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	stop := make(chan struct{})
	close(stop)
	p := New(Options{Client: srv.Client(), Stop: stop})
	results, err := p.ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), defaultCatalog(t).All())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, calls.Load())
}

func TestEndpointsOutsideTargetAreSkipped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tc, _ := defaultCatalog(t).Get("headers-csp-missing")
	eps := []discovery.Endpoint{{URL: "http://elsewhere.example/", Method: "GET"}}
	results, err := New(Options{Client: srv.Client()}).ProbeEndpoints(context.Background(), newTarget(t, srv), eps, []catalog.TestCase{tc})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSharedLimiterIsUsed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	lim := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Burst: 100})
	tc, _ := defaultCatalog(t).Get("headers-csp-missing")
	_, err := New(Options{Client: srv.Client(), Limiter: lim}).ProbeEndpoints(context.Background(), newTarget(t, srv), baseEndpoint(srv), []catalog.TestCase{tc})
	require.NoError(t, err)
	waits, _ := lim.Stats()
	assert.EqualValues(t, 2, waits)
}

func TestRunProbesDiscoversAPIEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodPost {
			var body strings.Builder
			buf := make([]byte, 512)
			n, _ := r.Body.Read(buf)
			body.Write(buf[:n])
			w.Header().Set("Content-Type", "application/json")
			if strings.Contains(body.String(), "__schema") {
				_, _ = w.Write([]byte(`{"data":{"__schema":{"queryType":{"name":"Query"}}}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{"__typename":"Query"}}`))
			return
		}
		http.Error(w, "must provide query", http.StatusBadRequest)
	}))
	defer srv.Close()

	gql, _ := defaultCatalog(t).Get("api-graphql-introspection")
	results, err := New(Options{Client: srv.Client(), API: true}).RunProbes(context.Background(), newTarget(t, srv), []catalog.TestCase{gql})
	require.NoError(t, err)
	hits := matched(results)
	require.Len(t, hits, 1)
	assert.Equal(t, srv.URL+"/graphql", hits[0].Endpoint)
	assert.True(t, hits[0].API)
}

func TestBodyHash(t *testing.T) {
	a := BodyHash([]byte("hello"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, BodyHash([]byte("hello")))
	assert.NotEqual(t, a, BodyHash([]byte("hello!")))
}

func TestResultClone(t *testing.T) {
	r := Result{Request: RequestSnapshot{Headers: map[string]string{"A": "1"}}, Baseline: &ResponseSnapshot{Status: 200}}
	c := r.Clone()
	c.Request.Headers["A"] = "2"
	c.Baseline.Status = 500
	assert.Equal(t, "1", r.Request.Headers["A"])
	assert.Equal(t, 200, r.Baseline.Status)
}
