// Package transport is the outbound RPC client shared by Consensus,
// Replicator, and TimeSync: a thin JSON-over-HTTP POST/GET helper that
// attaches a clusterauth bearer token to every request, so the wire
// protocol of spec.md §6 (and the reference's requests.post/.get calls in
// raft_consensus.py/replicator.py/time_synchronizer.py) is expressed once
// instead of once per component. HealthMonitor does not use it; its
// unauthenticated GET /health probe goes through its own net/http client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/syncpay/cluster/internal/clusterauth"
)

// Client issues authenticated JSON RPCs to cluster peers.
type Client struct {
	http   *http.Client
	signer *clusterauth.Signer
}

func New(timeout time.Duration, signer *clusterauth.Signer) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		signer: signer,
	}
}

// PostJSON sends body as a JSON POST to http://peer/path and decodes the
// response into out (if non-nil). Returns the HTTP status code.
func (c *Client) PostJSON(ctx context.Context, peer, path string, body, out interface{}) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "encoding request body")
	}

	url := fmt.Sprintf("http://%s%s", peer, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.attachToken(req); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "POST %s", url)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, errors.Wrapf(err, "decoding response from %s", url)
		}
	}
	return resp.StatusCode, nil
}

// GetJSON issues a GET to http://peer/path and decodes the JSON response
// into out.
func (c *Client) GetJSON(ctx context.Context, peer, path string, out interface{}) (int, error) {
	url := fmt.Sprintf("http://%s%s", peer, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "building request")
	}
	if err := c.attachToken(req); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, errors.Wrapf(err, "decoding response from %s", url)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) attachToken(req *http.Request) error {
	if c.signer == nil {
		return nil
	}
	tok, err := c.signer.Sign()
	if err != nil {
		return errors.Wrap(err, "signing cluster token")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
