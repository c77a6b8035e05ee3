package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableLoads(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)
	assert.Positive(t, tbl.Version)
	assert.Greater(t, tbl.Len(), 30)
}

func TestMatch(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	tests := []struct {
		name    string
		port    int
		banner  string
		service string
		product string
		version string
		os      string
	}{
		{"openssh ubuntu", 22, "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.8\r\n", "ssh", "openssh", "7.2p2", "Linux (Ubuntu)"},
		{"openssh odd port", 2200, "SSH-2.0-OpenSSH_8.9p1\r\n", "ssh", "openssh", "8.9p1", ""},
		{"nginx", 8080, "HTTP/1.0 200 OK\r\nServer: nginx/1.18.0 (Ubuntu)\r\n\r\n", "http", "nginx", "1.18.0", "Linux (Ubuntu)"},
		{"apache no version", 80, "HTTP/1.1 403 Forbidden\r\nServer: Apache\r\n\r\n", "http", "apache", "", ""},
		{"iis", 80, "HTTP/1.1 200 OK\r\nServer: Microsoft-IIS/10.0\r\n", "http", "iis", "10.0", "Windows"},
		{"generic http", 9000, "HTTP/1.1 404 Not Found\r\n\r\n", "http", "", "", ""},
		{"vsftpd", 21, "220 (vsFTPd 2.3.4)\r\n", "ftp", "vsftpd", "2.3.4", ""},
		{"bare 220 on 21", 21, "220 Welcome\r\n", "ftp", "", "", ""},
		{"postfix", 25, "220 mail.example ESMTP Postfix (Debian/GNU)\r\n", "smtp", "postfix", "", "Linux (Debian)"},
		{"redis", 6379, "-ERR unknown command 'HEAD'\r\n", "redis", "redis", "", ""},
		{"telnet iac", 23, "\xff\xfd\x18\xff\xfd\x20", "telnet", "", "", ""},
		{"vnc", 5900, "RFB 003.008\n", "vnc", "", "003.008", ""},
		{"heuristic only", 27017, "", "mongodb", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := tbl.Match(tt.port, []byte(tt.banner))
			require.True(t, ok)
			assert.Equal(t, tt.service, m.Service)
			assert.Equal(t, tt.product, m.Product)
			assert.Equal(t, tt.version, m.Version)
			assert.Equal(t, tt.os, m.OS)
		})
	}
}

func TestBannerRulesOutrankPortHeuristics(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	// An SSH banner on the HTTP port is still SSH.
	m, ok := tbl.Match(80, []byte("SSH-2.0-OpenSSH_9.0\r\n"))
	require.True(t, ok)
	assert.Equal(t, "ssh", m.Service)
	assert.Greater(t, m.Confidence, 0.9)

	m, ok = tbl.Match(22, nil)
	require.True(t, ok)
	assert.Equal(t, "ssh", m.Service)
	assert.Less(t, m.Confidence, 0.5)
}

func TestNoMatch(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)
	m, ok := tbl.Match(40123, []byte("hello"))
	assert.False(t, ok)
	assert.Empty(t, m.Service)
}

func TestParseRejectsBadRules(t *testing.T) {
	for name, doc := range map[string]string{
		"bad regex":      "rules: [{id: a, service: x, banner: '(', confidence: 0.5}]",
		"no service":     "rules: [{id: a, banner: 'x', confidence: 0.5}]",
		"bad confidence": "rules: [{id: a, service: x, banner: 'x', confidence: 2}]",
		"empty rule":     "rules: [{id: a, service: x, confidence: 0.5}]",
		"bad hex":        "rules: [{id: a, service: x, hex_prefix: zz, confidence: 0.5}]",
	} {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidRules, name)
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "....SSH", Sanitize([]byte("\xff\xfd\x00\x01SSH\r\n")))
	assert.Equal(t, "a\tb", Sanitize([]byte("  a\tb  ")))
}
