package probe

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/waftester/vulnassess/pkg/defaults"
)

// EvidenceProbeError marks a result whose request could not be completed.
const EvidenceProbeError = "probe_error"

// RequestSnapshot records what was sent.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseSnapshot records what came back. The full body is not kept; its
// murmur3 hash lets reviewers compare payload and baseline bodies.
type ResponseSnapshot struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyLen   int               `json:"body_len"`
	BodyHash  string            `json:"body_hash"`
	Excerpt   string            `json:"excerpt,omitempty"`
	LatencyMs int64             `json:"latency_ms"`
}

// Result is the immutable outcome of one test case against one endpoint and
// parameter.
type Result struct {
	TestCaseID string `json:"test_case_id"`
	Endpoint   string `json:"endpoint"`
	Param      string `json:"param,omitempty"`
	Location   string `json:"location"`
	API        bool   `json:"api"`

	Request  RequestSnapshot   `json:"request_snapshot"`
	Response ResponseSnapshot  `json:"response_snapshot"`
	Baseline *ResponseSnapshot `json:"baseline_snapshot,omitempty"`

	Matched      bool    `json:"matched"`
	Inconclusive bool    `json:"inconclusive"`
	Evidence     string  `json:"evidence_excerpt,omitempty"`
	Confidence   float64 `json:"confidence"`
	// Error holds the failure detail of an inconclusive result.
	Error string `json:"error,omitempty"`

	ProbedAt time.Time `json:"probed_at"`
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	r.Request.Headers = cloneMap(r.Request.Headers)
	r.Response.Headers = cloneMap(r.Response.Headers)
	if r.Baseline != nil {
		b := *r.Baseline
		b.Headers = cloneMap(b.Headers)
		r.Baseline = &b
	}
	return r
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshotHeaders are kept in response snapshots when present.
var snapshotHeaders = []string{"Content-Type", "Server", "Location", "X-Powered-By"}

func snapshot(o observation, extra string) ResponseSnapshot {
	s := ResponseSnapshot{
		Status:    o.Status,
		BodyLen:   len(o.Body),
		BodyHash:  BodyHash(o.Body),
		LatencyMs: o.Latency.Milliseconds(),
	}
	for _, h := range append(snapshotHeaders, extra) {
		if h == "" {
			continue
		}
		if v := o.Header.Get(h); v != "" {
			if s.Headers == nil {
				s.Headers = make(map[string]string)
			}
			s.Headers[http.CanonicalHeaderKey(h)] = v
		}
	}
	if len(o.Body) > 0 {
		ex := o.Body[:min(len(o.Body), defaults.SnapshotExcerpt)]
		s.Excerpt = strings.ToValidUTF8(string(ex), "")
	}
	return s
}

// BodyHash returns the hex murmur3-128 digest of body.
func BodyHash(body []byte) string {
	h1, h2 := murmur3.Sum128(body)
	var b [16]byte
	for i := range 8 {
		b[i] = byte(h1 >> (56 - 8*i))
		b[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}
