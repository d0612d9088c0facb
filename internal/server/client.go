package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Client talks to a running insights server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", baseURL)
	}
	return &Client{
		base: parsed,
		http: &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Submit posts keyword to /api/analyze.
func (c *Client) Submit(ctx context.Context, keyword string, opts gatekeeper.SubmitOptions) (*TicketResponse, error) {
	body, err := json.Marshal(AnalyzeRequest{Keyword: keyword, NoQueue: opts.NoQueue})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Categorize(err, keyword)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, decodeFailure(resp, keyword)
	}

	var ticket TicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return &ticket, nil
}

// Watch streams the ticket's events to fn and returns the terminal event's
// report, or its failure as an *errors.InsightError.
func (c *Client) Watch(ctx context.Context, ticketID string, fn func(model.ProgressEvent)) (*model.Report, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(ticketID), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeFailure(resp, "")
		}
		return nil, errors.Categorize(err, "")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev model.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewCancelledError("", "watch")
			}
			return nil, errors.New(errors.Unknown, "", "watch", "event stream ended before the analysis finished", err)
		}
		if fn != nil {
			fn(ev)
		}
		switch ev.Kind {
		case model.EventCompleted:
			return ev.Report, nil
		case model.EventError:
			return nil, errors.FromFailure(ev.Failure, "")
		}
	}
}

// streamURL is the ws or wss URL of a ticket's event stream.
func (c *Client) streamURL(ticketID string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + eventsPath(ticketID)
	return u.String()
}

// decodeFailure turns an error response into a classified error.
func decodeFailure(resp *http.Response, keyword string) error {
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == nil {
		return errors.New(errors.Unknown, keyword, "request", fmt.Sprintf("server answered %s", resp.Status), nil)
	}
	return errors.FromFailure(body.Error, keyword)
}
