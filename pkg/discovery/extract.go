package discovery

import (
	"bytes"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extract tokenizes an HTML page and returns the same-origin links (with
// their query parameter names) and forms (with their field names).
func Extract(page []byte, base *url.URL) []Endpoint {
	var (
		out  []Endpoint
		form *Endpoint
	)
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if form != nil {
				out = append(out, *form)
			}
			return Merge(out)
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			switch t.DataAtom {
			case atom.A, atom.Link, atom.Area:
				if ep, ok := linkEndpoint(attr(t, "href"), base); ok {
					out = append(out, ep)
				}
			case atom.Form:
				if form != nil {
					out = append(out, *form)
				}
				form = formEndpoint(t, base)
			case atom.Input, atom.Textarea, atom.Select, atom.Button:
				name := attr(t, "name")
				if form != nil && name != "" && attr(t, "type") != "submit" {
					form.Params = append(form.Params, name)
				}
			}
		case html.EndTagToken:
			if z.Token().DataAtom == atom.Form && form != nil {
				out = append(out, *form)
				form = nil
			}
		}
	}
}

func linkEndpoint(href string, base *url.URL) (Endpoint, bool) {
	u, ok := resolve(href, base)
	if !ok {
		return Endpoint{}, false
	}
	var params []string
	for k := range u.Query() {
		params = append(params, k)
	}
	slices.Sort(params)
	u.RawQuery = ""
	return Endpoint{URL: u.String(), Method: http.MethodGet, Params: params, Source: "link"}, true
}

func formEndpoint(t html.Token, base *url.URL) *Endpoint {
	action := attr(t, "action")
	u, ok := resolve(action, base)
	if !ok {
		// Forms posting off-origin are not ours to test.
		u = nil
	}
	method := strings.ToUpper(attr(t, "method"))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	ep := &Endpoint{Method: method, Source: "form"}
	if u != nil {
		for k := range u.Query() {
			ep.Params = append(ep.Params, k)
		}
		u.RawQuery = ""
		ep.URL = u.String()
	}
	return ep
}

// resolve makes href absolute against base and reports whether it is a
// same-origin http(s) URL.
func resolve(href string, base *url.URL) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return base.ResolveReference(&url.URL{}), true
	}
	if strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") ||
		strings.HasPrefix(strings.ToLower(href), "mailto:") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := base.ResolveReference(ref)
	u.Fragment = ""
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return nil, false
	}
	return u, true
}

func attr(t html.Token, key string) string {
	for _, a := range t.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
