// internal/remote/headless/transport.go
package headless

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// Shared empty reader used when resetting pooled readers.
var emptyReader = strings.NewReader("")

// decompressingTransport advertises gzip, deflate and brotli and transparently
// decodes the response body, so documents fetched by the engine are always plain text.
type decompressingTransport struct {
	next http.RoundTripper
}

func newDecompressingTransport(next http.RoundTripper) *decompressingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressingTransport{next: next}
}

// CloseIdleConnections forwards to the wrapped transport when it supports it.
func (t *decompressingTransport) CloseIdleConnections() {
	closeIdle(t.next)
}

func (t *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// pooledBody closes the decoder and the original body, then returns the decoder to its pool.
type pooledBody struct {
	io.ReadCloser
	original io.ReadCloser
	release  func()
}

func (b *pooledBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.original.Close())
}

// decompressResponse unwraps every Content-Encoding layer, last applied first.
func decompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)
		switch strings.ToLower(strings.TrimSpace(encodings[i])) {
		case "gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaderPool.Put(zr)
			}
		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brotliReaderPool.Put(br)
			}
		case "deflate":
			reader = inflate(resp.Body)
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding layer: %s", encodings[i])
		}
		resp.Body = &pooledBody{ReadCloser: reader, original: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// inflate decodes zlib-wrapped deflate and falls back to raw deflate, which
// some servers send under the same name.
func inflate(r io.Reader) io.ReadCloser {
	var head bytes.Buffer
	zr, err := zlib.NewReader(io.TeeReader(r, &head))
	if err == nil {
		return zr
	}
	return flate.NewReader(io.MultiReader(bytes.NewReader(head.Bytes()), r))
}

// throttledTransport spaces out requests with a token bucket. Every fetch a
// context makes (documents, page scripts, form submissions) draws from it.
type throttledTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

// newThrottledTransport returns next unchanged when perSecond is not positive.
func newThrottledTransport(next http.RoundTripper, perSecond float64) http.RoundTripper {
	if perSecond <= 0 {
		return next
	}
	return &throttledTransport{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("request throttled: %w", err)
	}
	return t.next.RoundTrip(req)
}

func (t *throttledTransport) CloseIdleConnections() {
	closeIdle(t.next)
}

func closeIdle(rt http.RoundTripper) {
	if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
