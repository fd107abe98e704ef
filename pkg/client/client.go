// Package client talks to a tagscan daemon's control API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dronescan/tagscan/pkg/control"
	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/tag"
)

// Client is an HTTP client for the control API.
type Client struct {
	addr string
	http *http.Client
}

// New returns a client for the API at addr (e.g. "http://localhost:8080").
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		addr: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError is returned for a non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// PostReads sends a batch of reads to POST /api/v1/reads.
func (c *Client) PostReads(reads []tag.Read) (control.IngestResponse, error) {
	reqs := make([]control.ReadRequest, len(reads))
	for i, r := range reads {
		reqs[i] = control.ReadRequest{
			EPC:     r.EPC,
			Time:    r.Time.Format(time.RFC3339Nano),
			RSSI:    r.RSSI,
			Phase:   r.Phase,
			Antenna: r.Antenna,
		}
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		return control.IngestResponse{}, fmt.Errorf("client.PostReads: marshal: %w", err)
	}

	resp, err := c.http.Post(c.addr+"/api/v1/reads", "application/json", bytes.NewReader(data))
	if err != nil {
		return control.IngestResponse{}, fmt.Errorf("client.PostReads: post: %w", err)
	}
	defer resp.Body.Close()

	var out control.IngestResponse
	if err := decode(resp, &out); err != nil {
		return control.IngestResponse{}, fmt.Errorf("client.PostReads: %w", err)
	}
	return out, nil
}

// Status fetches GET /api/v1/status.
func (c *Client) Status() (control.StatusResponse, error) {
	var out control.StatusResponse
	if err := c.get("/api/v1/status", &out); err != nil {
		return out, fmt.Errorf("client.Status: %w", err)
	}
	return out, nil
}

// Transfers fetches up to limit ledger entries, newest first.
func (c *Client) Transfers(limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	if err := c.get("/api/v1/transfers?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, fmt.Errorf("client.Transfers: %w", err)
	}
	return out, nil
}

// Transfer fetches one ledger entry by file name.
func (c *Client) Transfer(name string) (ledger.Entry, error) {
	var out ledger.Entry
	if err := c.get("/api/v1/transfers/"+url.PathEscape(name), &out); err != nil {
		return out, fmt.Errorf("client.Transfer: %w", err)
	}
	return out, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, v)
}

func decode(resp *http.Response, v interface{}) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
