package client

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// BodyKind describes how a response body was interpreted.
type BodyKind string

const (
	// BodyJSON is a validated JSON document.
	BodyJSON BodyKind = "json"

	// BodyText is textual content (text/*, XML, form data).
	BodyText BodyKind = "text"

	// BodyBinary is opaque bytes.
	BodyBinary BodyKind = "binary"
)

// Response is a fully read upstream response.
// Responses served from the cache are shared and must not be modified.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Kind       BodyKind    `json:"kind"`
	Body       []byte      `json:"body,omitempty"`
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if r.Kind != BodyJSON {
		return fmt.Errorf("response body is %s, not json", r.Kind)
	}
	if len(r.Body) == 0 {
		return fmt.Errorf("response body is empty")
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Fetch performs req and decodes the JSON body into T.
func Fetch[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T

	resp, err := c.Request(ctx, req)
	if err != nil {
		return out, err
	}

	if err := resp.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s: %w", req.URL, err)
	}

	return out, nil
}

// bodyKind classifies a body by its Content-Type header.
func bodyKind(contentType string) BodyKind {
	if contentType == "" {
		return BodyBinary
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return BodyBinary
	}

	switch {
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return BodyJSON
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/xml",
		strings.HasSuffix(mediaType, "+xml"),
		mediaType == "application/x-www-form-urlencoded",
		mediaType == "application/javascript":
		return BodyText
	default:
		return BodyBinary
	}
}

// parseResponse builds a Response and validates JSON bodies.
func parseResponse(resp *http.Response, body []byte) (*Response, error) {
	kind := bodyKind(resp.Header.Get("Content-Type"))

	if kind == BodyJSON && len(body) > 0 && !json.Valid(body) {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "invalid JSON body",
			Body:       body,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Kind:       kind,
		Body:       body,
	}, nil
}
