package cve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/httpclient"
	"github.com/waftester/vulnassess/pkg/iohelper"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/retry"
)

// maxFeedPages bounds one sync so a misbehaving feed cannot loop forever.
const maxFeedPages = 1000

// HTTPFeed pulls records from an incremental JSON feed:
//
//	GET {BaseURL}/cves?since=<RFC3339>&page=<n>
//	-> {"records": [...], "next_page": <n+1 or 0>}
type HTTPFeed struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Limiter *rate.Limiter
	Retry   retry.Config
	Logger  *slog.Logger
}

// NewHTTPFeed creates a feed client throttled to the feed's published
// request limit, which is higher when an API key is configured.
func NewHTTPFeed(baseURL, apiKey string) *HTTPFeed {
	limit := rate.Limit(defaults.FeedRateLimit)
	if apiKey != "" {
		limit = rate.Limit(defaults.FeedRateLimitKeyed)
	}
	return &HTTPFeed{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  httpclient.New(httpclient.Feed()),
		Limiter: rate.NewLimiter(limit, 1),
		Retry:   retry.Feed(),
		Logger:  slog.Default(),
	}
}

type feedPage struct {
	Records  []Record `json:"records"`
	NextPage int      `json:"next_page"`
}

// errStatus reports an unexpected HTTP status from the feed.
type errStatus struct {
	code int
}

func (e errStatus) Error() string { return fmt.Sprintf("feed returned HTTP %d", e.code) }

// Fetch walks every page of changes since since.
func (f *HTTPFeed) Fetch(ctx context.Context, since time.Time) ([]Record, error) {
	var all []Record
	page := 1
	for range maxFeedPages {
		var p feedPage
		err := retry.Do(ctx, f.Retry, func() error {
			var err error
			p, err = f.fetchPage(ctx, since, page)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", finding.ErrExternalSourceUnavailable, page, err)
		}
		all = append(all, p.Records...)
		if p.NextPage <= page {
			return all, nil
		}
		page = p.NextPage
	}
	return nil, fmt.Errorf("%w: more than %d pages", finding.ErrExternalSourceUnavailable, maxFeedPages)
}

func (f *HTTPFeed) fetchPage(ctx context.Context, since time.Time, page int) (feedPage, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return feedPage{}, retry.Stop(err)
		}
	}
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	q.Set("page", strconv.Itoa(page))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/cves?"+q.Encode(), nil)
	if err != nil {
		return feedPage{}, retry.Stop(err)
	}
	req.Header.Set("User-Agent", defaults.UserAgent)
	req.Header.Set("Accept", "application/json")
	if f.APIKey != "" {
		req.Header.Set("apiKey", f.APIKey)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return feedPage{}, retry.Stop(err)
		}
		return feedPage{}, err
	}
	defer iohelper.DrainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return feedPage{}, &retry.AfterError{Err: errStatus{resp.StatusCode}, After: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return feedPage{}, errStatus{resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return feedPage{}, retry.Stop(errStatus{resp.StatusCode})
	}

	var p feedPage
	if err := jsonutil.UnmarshalRead(resp.Body, &p); err != nil {
		return feedPage{}, retry.Stop(fmt.Errorf("decode page %d: %w", page, err))
	}
	return p, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Unparseable values yield zero.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
