package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/jsonutil"
)

// request is a reusable, immutable description of one HTTP request.
type request struct {
	method      string
	url         string
	header      http.Header
	body        string
	contentType string
}

// build places value at the case's injection point on the endpoint.
func build(j job, value string) (request, error) {
	u, err := url.Parse(j.ep.URL)
	if err != nil {
		return request{}, fmt.Errorf("parse endpoint: %w", err)
	}
	r := request{method: j.tc.HTTPMethod(), header: http.Header{}}

	switch j.tc.Injection {
	case catalog.InjectQuery:
		q := u.Query()
		q.Set(j.param, value)
		u.RawQuery = q.Encode()
	case catalog.InjectHeader:
		r.header.Set(j.tc.HeaderName, value)
	case catalog.InjectPath:
		u = u.ResolveReference(&url.URL{Path: value})
	case catalog.InjectBody:
		r.contentType = j.tc.ContentType
		switch {
		case j.tc.RawBody:
			r.body = value
		case strings.Contains(r.contentType, "json"):
			b, err := jsonutil.Marshal(map[string]string{j.param: value})
			if err != nil {
				return request{}, err
			}
			r.body = string(b)
		default:
			if r.contentType == "" {
				r.contentType = "application/x-www-form-urlencoded"
			}
			r.body = url.Values{j.param: {value}}.Encode()
		}
	case catalog.InjectNone:
	default:
		return request{}, fmt.Errorf("unsupported injection point %q", j.tc.Injection)
	}
	r.url = u.String()
	return r, nil
}

func (r request) httpRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaults.UserAgent)
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	return req, nil
}

func (r request) snapshot() RequestSnapshot {
	s := RequestSnapshot{Method: r.method, URL: r.url}
	if len(r.header) > 0 || r.contentType != "" {
		s.Headers = make(map[string]string, len(r.header)+1)
		for k := range r.header {
			s.Headers[k] = r.header.Get(k)
		}
		if r.contentType != "" {
			s.Headers["Content-Type"] = r.contentType
		}
	}
	if r.body != "" {
		s.Body = r.body[:min(len(r.body), defaults.SnapshotExcerpt)]
	}
	return s
}
