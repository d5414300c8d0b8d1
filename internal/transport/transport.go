// Package transport implements the thin framing layer described in spec
// §4.5: compression of the `application/x-fossil` card-stream body and an
// HTTP exchange of whole bodies. It offers no line-at-a-time read view; a
// reply is handed over as one decoded byte slice, which
// internal/syncproto.ReadCards splits into lines. It carries no protocol logic of
// its own — internal/syncproto owns the card grammar and the session state
// machine; this package only ever sees opaque bytes.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zlib"
)

// Content-type strings from spec §6.
const (
	ContentTypeCompressed   = "application/x-fossil"
	ContentTypeUncompressed = "application/x-fossil-uncompressed"
	ContentTypeDebug        = "application/x-fossil-debug"
)

// Compress zlib-compresses body for the application/x-fossil content type.
func Compress(body []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(body)
	_ = w.Close()
	return buf.Bytes()
}

// Decompress reverses Compress for application/x-fossil bodies.
func Decompress(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: zlib: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("transport: zlib read: %w", err)
	}
	return out, nil
}

// DecodeBody inspects contentType and returns the card-stream bytes: the
// uncompressed and debug variants pass through unchanged, per spec §6 (the
// debug form is "an alias of the uncompressed form for debugging").
func DecodeBody(contentType string, body []byte) ([]byte, error) {
	switch contentType {
	case ContentTypeCompressed:
		return Decompress(body)
	case ContentTypeUncompressed, ContentTypeDebug, "":
		return body, nil
	default:
		return nil, fmt.Errorf("transport: unrecognized content type %q", contentType)
	}
}

// EncodeBody is the inverse of DecodeBody: it frames body for the wire
// under contentType.
func EncodeBody(contentType string, body []byte) []byte {
	if contentType == ContentTypeCompressed {
		return Compress(body)
	}
	return body
}

// Client performs one HTTP POST round trip of a framed card-stream body
// and returns the decompressed reply bytes. It holds no session state; the
// caller (internal/syncproto.Client) owns the round-trip loop.
type Client struct {
	HTTPClient  *http.Client
	URL         string
	ContentType string // defaults to ContentTypeCompressed
}

// NewClient builds a Client posting to url with the default compressed
// content type.
func NewClient(httpClient *http.Client, url string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient, URL: url, ContentType: ContentTypeCompressed}
}

// Exchange sends one framed request body and returns the framed, decoded
// reply body.
func (c *Client) Exchange(ctx context.Context, body []byte) ([]byte, error) {
	ct := c.ContentType
	if ct == "" {
		ct = ContentTypeCompressed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(EncodeBody(ct, body)))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", ct)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: server returned %s", resp.Status)
	}
	return DecodeBody(resp.Header.Get("Content-Type"), raw)
}

// ReadRequestBody reads and decodes an inbound HTTP request's framed body
// (spec §5: "reads the complete request into memory before replying").
func ReadRequestBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read request: %w", err)
	}
	return DecodeBody(r.Header.Get("Content-Type"), raw)
}

// WriteResponse frames and writes reply under the same content type the
// request arrived as, matching the reference's "respond in kind" behavior.
func WriteResponse(w http.ResponseWriter, contentType string, reply []byte) error {
	if contentType == "" {
		contentType = ContentTypeCompressed
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(EncodeBody(contentType, reply))
	return err
}
