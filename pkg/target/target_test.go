package target

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waftester/vulnassess/pkg/finding"
)

type stubResolver struct {
	addrs []string
	err   error
	calls int
}

func (s *stubResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	s.calls++
	return s.addrs, s.err
}

func TestParsePorts(t *testing.T) {
	pr, err := ParsePorts("80, 22,8000-8002,81")
	require.NoError(t, err)
	assert.Equal(t, "22,80-81,8000-8002", pr.String())
	assert.Equal(t, 6, pr.Count())
	assert.True(t, pr.Contains(8001))
	assert.False(t, pr.Contains(79))
	assert.Equal(t, []int{22, 80, 81, 8000, 8001, 8002}, pr.Ports())

	full, err := ParsePorts("")
	require.NoError(t, err)
	assert.Equal(t, 65535, full.Count())
}

func TestParsePortsRejectsInvalid(t *testing.T) {
	for _, expr := range []string{"0", "65536", "100-10", "abc", "1-70000", ","} {
		_, err := ParsePorts(expr)
		assert.ErrorIs(t, err, finding.ErrConfiguration, expr)
	}
}

func TestIntersect(t *testing.T) {
	pr, _ := ParsePorts("20-25")
	assert.Equal(t, []int{21, 22}, pr.Intersect([]int{22, 80, 21, 22}))
}

func TestValidateRequiresAuthorization(t *testing.T) {
	err := Validate(Spec{Host: "example.com"})
	assert.ErrorIs(t, err, finding.ErrNotAuthorized)
	assert.ErrorIs(t, err, finding.ErrConfiguration)
}

func TestValidateRejectsForeignBaseURL(t *testing.T) {
	err := Validate(Spec{Host: "example.com", BaseURLs: []string{"http://evil.test/"}, Authorized: true})
	assert.ErrorIs(t, err, finding.ErrConfiguration)

	err = Validate(Spec{Host: "example.com", BaseURLs: []string{"ftp://example.com/"}, Authorized: true})
	assert.ErrorIs(t, err, finding.ErrConfiguration)
}

func TestResolveIPLiteralSkipsDNS(t *testing.T) {
	r := &stubResolver{err: errors.New("must not be called")}
	tgt, err := Resolve(context.Background(), Spec{Host: "127.0.0.1", Ports: "80,443", Authorized: true}, r)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, tgt.ResolvedIPs)
	assert.Equal(t, []string{"http://127.0.0.1/", "https://127.0.0.1/"}, tgt.BaseURLs)
	assert.Zero(t, r.calls)
}

func TestResolveUnresolvable(t *testing.T) {
	r := &stubResolver{err: errors.New("no such host")}
	_, err := Resolve(context.Background(), Spec{Host: "nope.invalid", Authorized: true}, r)
	assert.ErrorIs(t, err, finding.ErrTargetUnresolvable)

	r = &stubResolver{}
	_, err = Resolve(context.Background(), Spec{Host: "empty.invalid", Authorized: true}, r)
	assert.ErrorIs(t, err, finding.ErrTargetUnresolvable)
}

func TestOwns(t *testing.T) {
	tgt, err := Resolve(context.Background(), Spec{
		Host:       "app.example",
		Ports:      "80",
		BaseURLs:   []string{"app.example:8443/admin"},
		Authorized: true,
	}, &stubResolver{addrs: []string{"10.0.0.5"}})
	require.NoError(t, err)

	assert.True(t, tgt.Owns("http://app.example/login"))
	assert.True(t, tgt.Owns("http://10.0.0.5/x"))
	assert.True(t, tgt.Owns("http://APP.example:8443/admin/users"))
	assert.False(t, tgt.Owns("http://app.example:9000/"))
	assert.False(t, tgt.Owns("http://other.example/"))
	assert.False(t, tgt.Owns("::not a url"))
}

func TestCachingResolver(t *testing.T) {
	next := &stubResolver{addrs: []string{"192.0.2.1"}}
	c := NewCachingResolver(next, time.Minute, time.Second)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	for range 3 {
		addrs, err := c.LookupHost(context.Background(), "a.example")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.1"}, addrs)
	}
	assert.Equal(t, 1, next.calls)

	clock = clock.Add(2 * time.Minute)
	_, _ = c.LookupHost(context.Background(), "a.example")
	assert.Equal(t, 2, next.calls)

	c.Invalidate("a.example")
	_, _ = c.LookupHost(context.Background(), "a.example")
	assert.Equal(t, 3, next.calls)
}

func TestAuthContextApply(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://app.example/", nil)
	require.NoError(t, err)
	auth := &AuthContext{
		Headers:     map[string]string{"X-Tenant": "acme"},
		Cookies:     map[string]string{"session": "abc"},
		BearerToken: "tok",
	}
	auth.Apply(req)
	assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	c, err := req.Cookie("session")
	require.NoError(t, err)
	assert.Equal(t, "abc", c.Value)

	var none *AuthContext
	none.Apply(req)
}
