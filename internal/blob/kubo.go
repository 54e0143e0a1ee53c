package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Kubo stores blobs in an IPFS node through the Kubo HTTP API.
type Kubo struct {
	apiURL string
	client *http.Client
	pin    bool
}

// NewKubo creates a client for the Kubo API at apiURL, e.g.
// "http://127.0.0.1:5001/api/v0". When pin is set every added blob is pinned.
func NewKubo(apiURL string, pin bool) *Kubo {
	return &Kubo{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
		pin:    pin,
	}
}

// IsAvailable checks if the Kubo daemon is reachable.
func (k *Kubo) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := k.post(ctx, "/id", "", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Put adds data as a single raw block so the returned CID matches
// ComputeCID for snapshots below the chunker size.
func (k *Kubo) Put(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "snapshot.json")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form data: %w", err)
	}
	w.Close()

	q := url.Values{"cid-version": {"1"}, "raw-leaves": {"true"}, "pin": {fmt.Sprint(k.pin)}}
	resp, err := k.post(ctx, "/add?"+q.Encode(), w.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ipfs add: status %d: %s", resp.StatusCode, body)
	}
	var result struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ipfs add: parse response: %w", err)
	}
	return result.Hash, nil
}

// Get retrieves content by CID.
func (k *Kubo) Get(ctx context.Context, contentID string) ([]byte, error) {
	c, err := ParseContentID(contentID)
	if err != nil {
		return nil, err
	}
	resp, err := k.post(ctx, "/cat?arg="+url.QueryEscape(contentID), "", nil)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if bytes.Contains(body, []byte("not found")) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
		}
		return nil, fmt.Errorf("ipfs cat: status %d: %s", resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat: %w", err)
	}
	if err := Verify(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

// The Kubo RPC API only accepts POST.
func (k *Kubo) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return k.client.Do(req)
}
