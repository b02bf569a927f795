// File: cmd/client.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope mirrors schemas.CommandResponse with a deferred data payload.
type envelope struct {
	Status string              `json:"status"`
	Data   jsoniter.RawMessage `json:"data"`
	Error  string              `json:"error"`
	Code   string              `json:"code"`
}

// apiClient talks to a running `overmind serve`.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(serverURL string, cfg config.Interface) *apiClient {
	if serverURL == "" {
		serverURL = "http://" + cfg.Server().ListenAddr
	}
	return &apiClient{
		base:   strings.TrimRight(serverURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// call performs one request and decodes the envelope. Data is decoded into
// out whenever present, including on error responses that carry it.
func (c *apiClient) call(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := codec.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := codec.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := codec.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	if env.Status != "success" && env.Error != "" {
		if env.Code != "" {
			return resp.StatusCode, fmt.Errorf("%s (HTTP %d, %s)", env.Error, resp.StatusCode, env.Code)
		}
		return resp.StatusCode, fmt.Errorf("%s (HTTP %d)", env.Error, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *apiClient) submit(ctx context.Context, objective, owner string) (string, error) {
	var resp schemas.SubmitMissionResponse
	_, err := c.call(ctx, http.MethodPost, "/api/v1/missions", schemas.SubmitMissionRequest{Objective: objective, OwnerID: owner}, &resp)
	return resp.MissionID, err
}

func (c *apiClient) mission(ctx context.Context, id string) (*mission.Snapshot, error) {
	var snap mission.Snapshot
	if _, err := c.call(ctx, http.MethodGet, "/api/v1/missions/"+url.PathEscape(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *apiClient) cancel(ctx context.Context, id string) (schemas.CancelOutcome, error) {
	var resp schemas.CancelMissionResponse
	status, err := c.call(ctx, http.MethodPost, "/api/v1/missions/"+url.PathEscape(id)+"/cancel", nil, &resp)
	if status == http.StatusConflict && resp.Outcome == schemas.CancelAlreadyTerminal {
		return resp.Outcome, nil
	}
	return resp.Outcome, err
}

func (c *apiClient) events(ctx context.Context, id string, after int64) ([]mission.Event, error) {
	var resp struct {
		Events []mission.Event `json:"events"`
	}
	path := "/api/v1/missions/" + url.PathEscape(id) + "/events?after=" + strconv.FormatInt(after, 10)
	if _, err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// follow relays the mission's events from the WebSocket stream until the
// terminal event or ctx is done.
func (c *apiClient) follow(ctx context.Context, id string, after int64, fn func(mission.Event) error) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/v1/missions/" + url.PathEscape(id) + "/events"
	u.RawQuery = "after=" + strconv.FormatInt(after, 10)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var env envelope
			if codec.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != "" {
				return fmt.Errorf("%s (HTTP %d)", env.Error, resp.StatusCode)
			}
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream ended: %w", err)
		}
		var frame struct {
			Type string        `json:"type"`
			Data mission.Event `json:"data"`
		}
		if err := codec.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("malformed event frame: %w", err)
		}
		if err := fn(frame.Data); err != nil {
			return err
		}
	}
}
