// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package httpclient

import (
	"testing"
)

func TestParseURL(t *testing.T) {
	u, err := Parse("http://mirror.example.org:8080/distros/iso/image.iso")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if u.Host != "mirror.example.org" || u.Port != 8080 || u.Path != "/distros/iso/image.iso" {
		t.Fatalf("Parse() = %+v", u)
	}
}

func TestParseURLDefaultPort(t *testing.T) {
	u, err := Parse("http://mirror.example.org/image.iso")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if u.Port != defaultPort {
		t.Fatalf("Port = %d, want %d", u.Port, defaultPort)
	}
}

func TestParseURLRejectsOtherSchemes(t *testing.T) {
	if _, err := Parse("https://mirror.example.org/image.iso"); err != ErrUnsupportedScheme {
		t.Fatalf("Parse() error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestResolveReferenceAbsolute(t *testing.T) {
	u := &URL{Host: "a.example.org", Port: 80, Path: "/old"}

	got := u.resolveReference("http://b.example.org/new/path")
	if got.Host != "b.example.org" || got.Path != "/new/path" {
		t.Fatalf("resolveReference() = %+v", got)
	}
}

func TestResolveReferenceAbsolutePath(t *testing.T) {
	u := &URL{Host: "a.example.org", Port: 80, Path: "/old/path"}

	got := u.resolveReference("/new")
	if got.Host != "a.example.org" || got.Path != "/new" {
		t.Fatalf("resolveReference() = %+v", got)
	}
}

func TestResolveReferenceRelative(t *testing.T) {
	u := &URL{Host: "a.example.org", Port: 80, Path: "/distros/current.iso"}

	got := u.resolveReference("mirror2.iso")
	if got.Path != "/distros/mirror2.iso" {
		t.Fatalf("resolveReference() path = %q", got.Path)
	}
}

func TestParseStatusLine(t *testing.T) {
	c := &Client{}

	if err := c.parseStatusLine("HTTP/1.1 200 OK"); err != nil {
		t.Fatalf("parseStatusLine() error = %v", err)
	}

	if c.statusCode != 200 {
		t.Fatalf("statusCode = %d, want 200", c.statusCode)
	}
}

func TestParseStatusLineMalformed(t *testing.T) {
	c := &Client{}

	if err := c.parseStatusLine("not a status line"); err != ErrMalformedStatus {
		t.Fatalf("parseStatusLine() error = %v, want ErrMalformedStatus", err)
	}
}

func TestParseHeaderExtractsContentLength(t *testing.T) {
	c := &Client{u: &URL{Host: "a.example.org", Port: 80, Path: "/f"}}

	err := c.parseHeader([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1234\r\nServer: x\r\n"))
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}

	if !c.haveContentLength || c.contentLength != 1234 {
		t.Fatalf("contentLength = %d, have = %v", c.contentLength, c.haveContentLength)
	}
}

func TestParseHeaderDetectsChunked(t *testing.T) {
	c := &Client{u: &URL{Host: "a.example.org", Port: 80, Path: "/f"}}

	err := c.parseHeader([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n"))
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}

	if !c.chunked {
		t.Fatal("chunked = false, want true")
	}
}

func TestParseHeaderRejectsServerError(t *testing.T) {
	c := &Client{u: &URL{Host: "a.example.org", Port: 80, Path: "/f"}}

	if err := c.parseHeader([]byte("HTTP/1.1 503 Service Unavailable\r\n")); err != ErrServerError {
		t.Fatalf("parseHeader() error = %v, want ErrServerError", err)
	}
}

func TestParseHeaderRejectsClientError(t *testing.T) {
	c := &Client{u: &URL{Host: "a.example.org", Port: 80, Path: "/f"}}

	if err := c.parseHeader([]byte("HTTP/1.1 404 Not Found\r\n")); err != ErrClientError {
		t.Fatalf("parseHeader() error = %v, want ErrClientError", err)
	}
}

func TestParseHeaderFollowsLocation(t *testing.T) {
	c := &Client{u: &URL{Host: "a.example.org", Port: 80, Path: "/old"}, followRedirects: true}

	err := c.parseHeader([]byte("HTTP/1.1 302 Found\r\nLocation: http://b.example.org/new\r\n"))
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}

	if c.u.Host != "b.example.org" || c.u.Path != "/new" {
		t.Fatalf("u = %+v", c.u)
	}

	u, err := c.Redirect()
	if err != nil || u == nil {
		t.Fatalf("Redirect() = %v, %v", u, err)
	}
}

func TestRedirectReportsTooMany(t *testing.T) {
	c := &Client{followRedirects: true, statusCode: 302, redirects: maxRedirects}

	if _, err := c.Redirect(); err != ErrTooManyRedirects {
		t.Fatalf("Redirect() error = %v, want ErrTooManyRedirects", err)
	}
}

func TestRedirectIgnoredWhenDisabled(t *testing.T) {
	c := &Client{followRedirects: false, statusCode: 302}

	u, err := c.Redirect()
	if u != nil || err != nil {
		t.Fatalf("Redirect() = %v, %v, want nil, nil", u, err)
	}
}

func TestChunkDecoderSingleChunk(t *testing.T) {
	var got []byte
	d := &chunkDecoder{}

	d.feed([]byte("5\r\nhello\r\n0\r\n\r\n"), func(chunk []byte) {
		got = append(got, chunk...)
	})

	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if !d.done {
		t.Fatal("done = false, want true")
	}
}

func TestChunkDecoderMultipleChunksAcrossFeeds(t *testing.T) {
	var got []byte
	d := &chunkDecoder{}

	d.feed([]byte("4\r\nWiki\r\n"), func(chunk []byte) { got = append(got, chunk...) })
	d.feed([]byte("5\r\npedia\r\n"), func(chunk []byte) { got = append(got, chunk...) })
	d.feed([]byte("0\r\n\r\n"), func(chunk []byte) { got = append(got, chunk...) })

	if string(got) != "Wikipedia" {
		t.Fatalf("got %q, want %q", got, "Wikipedia")
	}

	if !d.done {
		t.Fatal("done = false, want true")
	}
}

func TestChunkDecoderSplitMidLine(t *testing.T) {
	var got []byte
	d := &chunkDecoder{}

	full := []byte("3\r\nabc\r\n0\r\n\r\n")

	for i := 0; i < len(full); i++ {
		d.feed(full[i:i+1], func(chunk []byte) { got = append(got, chunk...) })
	}

	if string(got) != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}

	if !d.done {
		t.Fatal("done = false, want true")
	}
}

func TestRetryableAllowsTransientFailureWithinBudget(t *testing.T) {
	c := &Client{state: StateFailed, err: ErrPrematureClose, maxRetries: 3}

	if !c.Retryable() {
		t.Fatal("Retryable() = false, want true")
	}
}

func TestRetryableRejectsAfterBudgetExhausted(t *testing.T) {
	c := &Client{state: StateFailed, err: ErrPrematureClose, attempts: 3, maxRetries: 3}

	if c.Retryable() {
		t.Fatal("Retryable() = true, want false")
	}
}

func TestRetryableRejectsClientError(t *testing.T) {
	c := &Client{state: StateFailed, err: ErrClientError, maxRetries: 3}

	if c.Retryable() {
		t.Fatal("Retryable() = true, want false")
	}
}

func TestRetryableRejectsWhenNotFailed(t *testing.T) {
	c := &Client{state: StateReceiveBody, maxRetries: 3}

	if c.Retryable() {
		t.Fatal("Retryable() = true, want false")
	}
}

func TestChunkDecoderWithExtension(t *testing.T) {
	var got []byte
	d := &chunkDecoder{}

	d.feed([]byte("5;ignored=ext\r\nhello\r\n0\r\n\r\n"), func(chunk []byte) {
		got = append(got, chunk...)
	})

	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}
