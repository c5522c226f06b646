// Package unifi talks to the UniFi Access controller: door-unlock
// schedules and the access policies that bind them to doors.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"doorsync/internal/config"
)

// TimeRange is one remote schedule slot, HH:MM:SS local strings.
type TimeRange struct {
	Start string `json:"start_time"`
	End   string `json:"end_time"`
}

// Schedule is a remote unlock schedule summary.
type Schedule struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	IsDefault      bool   `json:"is_default"`
	HolidayGroupID string `json:"holiday_group_id"`
}

// ScheduleDetail carries the weekly definition of one schedule.
type ScheduleDetail struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Weekly          map[string][]TimeRange `json:"week_schedule"`
	HolidayGroupID  string                 `json:"holiday_group_id"`
	HolidaySchedule []json.RawMessage      `json:"holiday_schedule"`
}

// Resource is a policy target, typically {id, "door"}.
type Resource struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Policy binds a schedule to a set of door resources.
type Policy struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ScheduleID string     `json:"schedule_id"`
	Resources  []Resource `json:"resources"`
}

// Client is a thin wrapper over the controller's developer API.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a controller client. TLS verification follows
// UNIFI_ACCESS_VERIFY_TLS; most controllers ship self-signed certs.
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.UnifiVerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 20 * time.Second, Transport: transport},
		logger: logger.With().Str("component", "unifi").Logger(),
	}
}

func (c *Client) authHeaders() (map[string]string, error) {
	switch c.cfg.UnifiAuthType {
	case "none":
		return nil, nil
	case "api_token":
		if c.cfg.UnifiAPIToken == "" {
			return nil, errors.New("UNIFI_ACCESS_API_TOKEN is required when UNIFI_ACCESS_AUTH_TYPE=api_token")
		}
		header := c.cfg.UnifiAPIKeyHeader
		value := c.cfg.UnifiAPIToken
		if strings.EqualFold(header, "authorization") && !strings.HasPrefix(strings.ToLower(value), "bearer ") {
			value = "Bearer " + value
		}
		return map[string]string{header: value}, nil
	default:
		return nil, fmt.Errorf("unsupported UNIFI_ACCESS_AUTH_TYPE %q", c.cfg.UnifiAuthType)
	}
}

// CheckConnectivity probes the controller base URL.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	headers, err := c.authHeaders()
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.UnifiBaseURL, "/")+"/", nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// envelope is the controller's {code, msg, data} response wrapper.
type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	headers, err := c.authHeaders()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.UnifiBaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unifi: %s %s: HTTP %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("unifi: %s %s: decode: %w", method, path, err)
	}
	if code := strings.Trim(string(env.Code), `"`); code != "" && code != "SUCCESS" && code != "null" {
		return fmt.Errorf("unifi: %s %s failed: %s %s", method, path, code, env.Msg)
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("unifi: %s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// ListSchedules returns all unlock schedules.
func (c *Client) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	if err := c.do(ctx, http.MethodGet, "/api/v1/developer/access_policies/schedules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSchedule returns one schedule with its weekly definition.
func (c *Client) GetSchedule(ctx context.Context, id string) (*ScheduleDetail, error) {
	var out ScheduleDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/developer/access_policies/schedules/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// updateSchedulePayload is the PUT body for a schedule replacement.
type updateSchedulePayload struct {
	Name            string                 `json:"name"`
	WeekSchedule    map[string][]TimeRange `json:"week_schedule"`
	HolidayGroupID  string                 `json:"holiday_group_id"`
	HolidaySchedule []json.RawMessage      `json:"holiday_schedule"`
}

// UpdateSchedule replaces a schedule's weekly definition, preserving
// its name and holiday configuration.
func (c *Client) UpdateSchedule(ctx context.Context, detail *ScheduleDetail, weekly map[string][]TimeRange) error {
	payload := updateSchedulePayload{
		Name:            detail.Name,
		WeekSchedule:    weekly,
		HolidayGroupID:  detail.HolidayGroupID,
		HolidaySchedule: detail.HolidaySchedule,
	}
	if payload.HolidaySchedule == nil {
		payload.HolidaySchedule = []json.RawMessage{}
	}
	return c.do(ctx, http.MethodPut, "/api/v1/developer/access_policies/schedules/"+detail.ID, payload, nil)
}

// ListPolicies returns all access policies.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	var out []Policy
	if err := c.do(ctx, http.MethodGet, "/api/v1/developer/access_policies?page_num=1&page_size=200", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// createPolicyPayload uses `resource` on create; reads return
// `resources`.
type createPolicyPayload struct {
	Name       string     `json:"name"`
	Resource   []Resource `json:"resource"`
	ScheduleID string     `json:"schedule_id"`
}

// CreatePolicy creates a policy binding scheduleID to door resources.
func (c *Client) CreatePolicy(ctx context.Context, name, scheduleID string, resources []Resource) error {
	payload := createPolicyPayload{Name: name, Resource: resources, ScheduleID: scheduleID}
	return c.do(ctx, http.MethodPost, "/api/v1/developer/access_policies", payload, nil)
}

// DeletePolicy removes a policy by id.
func (c *Client) DeletePolicy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/developer/access_policies/"+id, nil, nil)
}
