package diddoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrNotFound = errors.New("DID not found")

// Client talks to a document registry over HTTP.
type Client struct {
	RegistryURL string
	UserAgent   string
	// Defaults to an otelhttp-instrumented client with a 30s timeout.
	HTTPClient *http.Client
}

// SubmitResult is the registry's response to a successful Submit.
type SubmitResult struct {
	Seq       int64  `json:"seq"`
	DID       string `json:"did"`
	CID       string `json:"cid"`
	UpdatedAt string `json:"updatedAt"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	u := strings.TrimSuffix(c.RegistryURL, "/") + "/" + path
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return c.httpClient().Do(req)
}

// registry errors are JSON objects with a "message" field
func responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	var msg struct {
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("registry returned %d", resp.StatusCode)
}

// Resolve fetches and validates the document for did. Returns ErrNotFound if the registry doesn't know it.
func (c *Client) Resolve(ctx context.Context, did string) (*Document, error) {
	resp, err := c.do(ctx, http.MethodGet, did, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document for %s: %w", did, err)
	}
	return &doc, nil
}

// Destination fetches the DIDComm destination for did.
func (c *Client) Destination(ctx context.Context, did string) (*Destination, error) {
	resp, err := c.do(ctx, http.MethodGet, did+"/didcomm", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var dest Destination
	if err := json.NewDecoder(resp.Body).Decode(&dest); err != nil {
		return nil, err
	}
	return &dest, nil
}

// Submit uploads doc to the registry. If prevCID is not empty, the registry only
// accepts the update if its current document has that CID.
func (c *Client) Submit(ctx context.Context, doc *Document, prevCID string) (*SubmitResult, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/did+json")
	if prevCID != "" {
		header.Set("If-Match", `"`+prevCID+`"`)
	}

	resp, err := c.do(ctx, http.MethodPut, doc.ID.String(), body, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var res SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}
