// Package client talks to a running `feeder serve` over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
	"github.com/mpataki/feeder/internal/webserver"
)

// ErrUnreachable is returned when no daemon answers at the base URL.
var ErrUnreachable = errors.New("feeder daemon not reachable")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError carries a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feeder api: %d %s", e.Status, e.Message)
}

func (c *Client) Status(ctx context.Context) (*webserver.StatusResponse, error) {
	var out webserver.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Feed starts a manual run. It returns session.ErrBusy when a run is in
// progress and models.ErrInvalidPlan when the daemon rejects the plan.
func (c *Client) Feed(ctx context.Context, req webserver.FeedRequest) (*webserver.FeedResponse, error) {
	var out webserver.FeedResponse
	if err := c.do(ctx, http.MethodPost, "/api/feed", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stop(ctx context.Context) (bool, error) {
	var out webserver.StopResponse
	if err := c.do(ctx, http.MethodPost, "/api/stop", nil, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

func (c *Client) Schedule(ctx context.Context) (models.ScheduleConfig, error) {
	var out models.ScheduleConfig
	err := c.do(ctx, http.MethodGet, "/api/schedule", nil, &out)
	return out, err
}

func (c *Client) UpdateSchedule(ctx context.Context, u models.ScheduleUpdate) (models.ScheduleConfig, error) {
	var out models.ScheduleConfig
	err := c.do(ctx, http.MethodPatch, "/api/schedule", u, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) ([]*models.FeedRecord, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*models.FeedRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		switch resp.StatusCode {
		case http.StatusConflict:
			return session.ErrBusy
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", models.ErrInvalidPlan, apiErr.Error)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
