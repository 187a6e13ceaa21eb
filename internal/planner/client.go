// Package planner submits finalized requests to the itinerary service.
package planner

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

	"voiceplan/internal/ports"
)

// Config controls the planner REST client.
type Config struct {
	BaseURL string
	UserID  string
	Timeout time.Duration
}

// Client implements ports.PlanService against POST /api/travel/plan.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type planRequest struct {
	Input  string `json:"input"`
	UserID string `json:"user_id,omitempty"`
}

type planResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Plan    json.RawMessage `json:"plan"`
}

func (c *Client) CreatePlan(ctx context.Context, input string) (ports.Plan, error) {
	if c.cfg.BaseURL == "" {
		return ports.Plan{}, errors.New("VOICEPLAN_PLANNER_URL is not configured")
	}

	body, err := json.Marshal(planRequest{Input: input, UserID: c.cfg.UserID})
	if err != nil {
		return ports.Plan{}, fmt.Errorf("failed to encode plan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/travel/plan", bytes.NewReader(body))
	if err != nil {
		return ports.Plan{}, fmt.Errorf("failed to build plan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ports.Plan{}, fmt.Errorf("plan request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ports.Plan{}, fmt.Errorf("failed to read plan response: %w", err)
	}

	var decoded planResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ports.Plan{}, fmt.Errorf("invalid plan response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !decoded.Success {
		message := strings.TrimSpace(decoded.Message)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return ports.Plan{}, fmt.Errorf("planner rejected request (status %d): %s", resp.StatusCode, message)
	}

	return ports.Plan{ID: planID(decoded.Plan), Raw: decoded.Plan}, nil
}

func planID(raw json.RawMessage) string {
	var fields struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil || fields.ID == nil {
		return ""
	}
	switch id := fields.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
