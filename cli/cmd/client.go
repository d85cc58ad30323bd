package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/corral/iox"
)

// client is a small JSON-over-HTTP wrapper around corrald's endpoints.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(c *cli.Context) *client {
	return &client{
		baseURL: strings.TrimSuffix(c.String("addr"), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// get issues a GET request and decodes the JSON response into out.
func (cl *client) get(path string, out any) error {
	resp, err := cl.http.Get(cl.baseURL + path)
	if err != nil {
		return fmt.Errorf("corralctl: request %s failed: %w", path, err)
	}
	defer iox.DiscardClose(resp.Body)
	return decodeOrError(resp, out)
}

// postJSON marshals body, POSTs it, and decodes the JSON response into out.
func (cl *client) postJSON(path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("corralctl: encode request: %w", err)
	}

	resp, err := cl.http.Post(cl.baseURL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("corralctl: request %s failed: %w", path, err)
	}
	defer iox.DiscardClose(resp.Body)
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(b, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("corrald: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("corrald: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
