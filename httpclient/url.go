// URL parsing and redirect resolution
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package httpclient

import (
	"errors"
	"strconv"
	"strings"
)

// URL is the minimal subset of a parsed HTTP URL this client needs:
// enough to open a TCP connection to Host:Port and send Path as the
// request target. Parsing is hand-rolled rather than pulled from
// net/url — the client only ever sees plain http:// origin-server URLs
// and a Location header built from one of those, so the generality of a
// full RFC 3986 parser (queries, userinfo, IPv6 literals, fragments)
// buys nothing here.
type URL struct {
	Host string
	Port uint16
	Path string
}

var (
	ErrUnsupportedScheme = errors.New("httpclient: only http:// URLs are supported")
	ErrMissingHost       = errors.New("httpclient: URL has no host")
)

const defaultPort = 80

// Parse parses an absolute http:// URL.
func Parse(raw string) (*URL, error) {
	rest, ok := strings.CutPrefix(raw, "http://")
	if !ok {
		return nil, ErrUnsupportedScheme
	}

	authority := rest
	path := "/"

	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
		path = rest[idx:]
	}

	if authority == "" {
		return nil, ErrMissingHost
	}

	host := authority
	port := uint16(defaultPort)

	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		host = authority[:idx]

		p, err := strconv.ParseUint(authority[idx+1:], 10, 16)
		if err != nil {
			return nil, ErrMissingHost
		}

		port = uint16(p)
	}

	if host == "" {
		return nil, ErrMissingHost
	}

	return &URL{Host: host, Port: port, Path: path}, nil
}

// String renders the URL back to http://host[:port]/path form.
func (u *URL) String() string {
	var b strings.Builder

	b.WriteString("http://")
	b.WriteString(u.Host)

	if u.Port != defaultPort {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(u.Port)))
	}

	b.WriteString(u.Path)

	return b.String()
}

// resolveReference resolves a Location header value (absolute or
// path-only) against u, returning a new URL. On a malformed absolute
// Location it returns u itself, so Redirect hands back the current URL
// with a nil error.
func (u *URL) resolveReference(location string) *URL {
	if strings.HasPrefix(location, "http://") {
		if parsed, err := Parse(location); err == nil {
			return parsed
		}

		return u
	}

	if strings.HasPrefix(location, "/") {
		return &URL{Host: u.Host, Port: u.Port, Path: location}
	}

	dir := u.Path

	if idx := strings.LastIndexByte(dir, '/'); idx >= 0 {
		dir = dir[:idx+1]
	} else {
		dir = "/"
	}

	return &URL{Host: u.Host, Port: u.Port, Path: dir + location}
}
