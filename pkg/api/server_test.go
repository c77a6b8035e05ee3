package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/target"
)

// fakeEngine serves one run whose phase advances on every status read.
type fakeEngine struct {
	mu        sync.Mutex
	spec      target.Spec
	profile   portscan.Profile
	reads     int
	doneAfter int
	cancelled bool
	panicList bool
}

const runID = "run-1"

func (f *fakeEngine) Start(_ context.Context, spec target.Spec, profile portscan.Profile) (string, error) {
	if err := target.Validate(spec); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec, f.profile = spec, profile
	return runID, nil
}

func (f *fakeEngine) GetStatus(id string) (report.Status, error) {
	if id != runID {
		return report.Status{}, fmt.Errorf("%w: %s", finding.ErrNotFound, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	st := report.Status{ID: id, Phase: report.PhaseWebProbe, ProgressPct: 25, PartialFindingsCount: 1}
	switch {
	case f.cancelled:
		st.Phase, st.FailureReason = report.PhaseFailed, report.ReasonCancelled
	case f.doneAfter > 0 && f.reads >= f.doneAfter:
		st.Phase, st.ProgressPct = report.PhaseCompleted, 100
	}
	return st, nil
}

func (f *fakeEngine) GetReport(id string) (*report.AssessmentRun, error) {
	if id != runID {
		return nil, fmt.Errorf("%w: %s", finding.ErrNotFound, id)
	}
	return &report.AssessmentRun{
		ID:          id,
		Target:      target.ScanTarget{Host: "app.example"},
		Phase:       report.PhaseCompleted,
		ProgressPct: 100,
		Findings: []finding.Finding{{
			ID:       "f1",
			Category: finding.CategoryWeb,
			Title:    "Reflected cross-site scripting",
			Location: "http://app.example/?q=<x>",
			CWEID:    "CWE-79",
			Severity: finding.Medium,
			Evidence: []finding.Evidence{{Kind: finding.EvidenceProbe, Ref: "xss-script-tag", Excerpt: "<script>"}},
		}},
	}, nil
}

func (f *fakeEngine) Cancel(id string) error {
	if id != runID {
		return fmt.Errorf("%w: %s", finding.ErrNotFound, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeEngine) List() []report.Status {
	if f.panicList {
		panic("boom")
	}
	st, _ := f.GetStatus(runID)
	return []report.Status{st}
}

func newServer(t *testing.T, eng *fakeEngine, opts Options) *httptest.Server {
	t.Helper()
	opts.Engine = eng
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 10 * time.Millisecond
	}
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestStartAssessment(t *testing.T) {
	eng := &fakeEngine{}
	srv := newServer(t, eng, Options{})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/assessments", `{
		"host": "app.example",
		"ports": "80,443",
		"authorized": true,
		"profile": "standard",
		"auth": {"bearer_token": "tok", "headers": {"X-Api-Key": "k"}}
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, "/v1/assessments/"+runID, resp.Header.Get("Location"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var got startResponse
	require.NoError(t, jsonutil.Unmarshal([]byte(body), &got))
	assert.Equal(t, runID, got.ID)
	assert.Equal(t, "/v1/assessments/"+runID+"/stream", got.StreamURL)

	assert.Equal(t, portscan.Standard, eng.profile)
	assert.Equal(t, "app.example", eng.spec.Host)
	require.NotNil(t, eng.spec.Auth)
	assert.Equal(t, "tok", eng.spec.Auth.BearerToken)
	assert.Equal(t, "k", eng.spec.Auth.Headers["X-Api-Key"])
}

func TestStartUsesDefaultProfile(t *testing.T) {
	eng := &fakeEngine{}
	srv := newServer(t, eng, Options{DefaultProfile: portscan.Deep})
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/assessments", `{"host":"app.example","authorized":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, portscan.Deep, eng.profile)
}

func TestStartRejectsBadRequests(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	tests := []struct {
		name string
		body string
	}{
		{"not authorized", `{"host":"app.example"}`},
		{"no host", `{"authorized":true}`},
		{"bad profile", `{"host":"app.example","authorized":true,"profile":"0-99999"}`},
		{"not json", `{"host":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/v1/assessments", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestStatusAndCancel(t *testing.T) {
	eng := &fakeEngine{}
	srv := newServer(t, eng, Options{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/assessments/"+runID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st report.Status
	require.NoError(t, jsonutil.Unmarshal([]byte(body), &st))
	assert.Equal(t, report.PhaseWebProbe, st.Phase)
	assert.Equal(t, 1, st.PartialFindingsCount)

	resp, body = do(t, http.MethodDelete, srv.URL+"/v1/assessments/"+runID, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, jsonutil.Unmarshal([]byte(body), &st))
	assert.Equal(t, report.PhaseFailed, st.Phase)
	assert.Equal(t, report.ReasonCancelled, st.FailureReason)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/assessments/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/assessments/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAssessments(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/assessments", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []report.Status
	require.NoError(t, jsonutil.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, runID, list[0].ID)
}

func TestReportFormats(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	tests := []struct {
		format      string
		contentType string
		contains    string
	}{
		{"", "application/json", `"CWE-79"`},
		{"json", "application/json", `"overall_risk"`},
		{"md", "text/markdown; charset=utf-8", "Reflected cross-site scripting"},
		{"html", "text/html; charset=utf-8", "&lt;script&gt;"},
	}
	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			url := srv.URL + "/v1/assessments/" + runID + "/report"
			if tt.format != "" {
				url += "?format=" + tt.format
			}
			resp, body := do(t, http.MethodGet, url, "")
			require.Equal(t, http.StatusOK, resp.StatusCode, body)
			assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			assert.Contains(t, body, tt.contains)
		})
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/assessments/"+runID+"/report?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/assessments/missing/report", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	prom, err := hooks.NewPrometheusHook()
	require.NoError(t, err)
	require.NoError(t, prom.OnEvent(context.Background(), hooks.Event{Type: hooks.EventRunStarted, RunID: runID, Host: "app.example"}))

	srv := newServer(t, &fakeEngine{}, Options{Metrics: prom.Handler()})
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "vulnassess_run_progress_percent")
}

func TestMetricsNotMountedWithoutHandler(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPanicBecomes500(t *testing.T) {
	srv := newServer(t, &fakeEngine{panicList: true}, Options{})
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/assessments", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "internal server error")
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestStreamPushesUntilTerminal(t *testing.T) {
	eng := &fakeEngine{doneAfter: 4}
	srv := newServer(t, eng, Options{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/assessments/"+runID+"/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msgs []StreamMessage
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		var m StreamMessage
		require.NoError(t, jsonutil.Unmarshal(data, &m))
		msgs = append(msgs, m)
	}
	require.GreaterOrEqual(t, len(msgs), 2)
	for _, m := range msgs[:len(msgs)-1] {
		assert.Equal(t, report.PhaseWebProbe, m.Status.Phase)
	}
	last := msgs[len(msgs)-1]
	assert.Equal(t, "status", last.Type)
	assert.Equal(t, report.PhaseCompleted, last.Status.Phase)
	assert.Equal(t, 100, last.Status.ProgressPct)
}

func TestStreamUnknownRun(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/assessments/missing/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, Options{})
	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/assessments/"+runID+"/stream"), hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := New(Options{Engine: &fakeEngine{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
