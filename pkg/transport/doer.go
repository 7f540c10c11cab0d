package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/valyala/fasthttp"
)

// Doer is the HTTP backend seam. The loop is written against it so the
// engine can run on either net/http or fasthttp; tests plug in fakes.
type Doer interface {
	// Do sends the request and returns the status code and full response
	// body. A non-nil error means the transport failed (no HTTP status
	// was obtained).
	Do(ctx context.Context, method, requestURL, contentType string, body []byte) (int, []byte, error)
}

// NetHTTPDoer adapts a standard *http.Client to the Doer seam.
type NetHTTPDoer struct {
	Client *http.Client
}

// NewNetHTTPDoer wraps client; nil means http.DefaultClient.
func NewNetHTTPDoer(client *http.Client) *NetHTTPDoer {
	if client == nil {
		client = http.DefaultClient
	}
	return &NetHTTPDoer{Client: client}
}

func (d *NetHTTPDoer) Do(ctx context.Context, method, requestURL, contentType string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, out, nil
}

// CloseIdleConnections drops pooled connections so the next attempt
// opens a fresh socket after a network disruption.
func (d *NetHTTPDoer) CloseIdleConnections() {
	d.Client.CloseIdleConnections()
}

// FastHTTPDoer adapts a *fasthttp.Client to the Doer seam.
type FastHTTPDoer struct {
	Client *fasthttp.Client
}

// NewFastHTTPDoer wraps client; nil gets a fresh fasthttp.Client.
func NewFastHTTPDoer(client *fasthttp.Client) *FastHTTPDoer {
	if client == nil {
		client = &fasthttp.Client{}
	}
	return &FastHTTPDoer{Client: client}
}

func (d *FastHTTPDoer) Do(ctx context.Context, method, requestURL, contentType string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.Header.SetMethod(method)
	req.SetRequestURI(requestURL)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	// fasthttp has no context plumbing; run the call in a goroutine and
	// abandon it on cancellation. The cancelled attempt's response is
	// discarded, matching the loop's stop semantics.
	done := make(chan error, 1)
	go func() { done <- d.Client.Do(req, resp) }()
	select {
	case err := <-done:
		if err != nil {
			release()
			return 0, nil, err
		}
		out := append([]byte(nil), resp.Body()...)
		status := resp.StatusCode()
		release()
		return status, out, nil
	case <-ctx.Done():
		// the abandoned goroutine still owns req/resp; release once it
		// finishes
		go func() {
			<-done
			release()
		}()
		return 0, nil, ctx.Err()
	}
}
