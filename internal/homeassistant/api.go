package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiRunning is the body of GET /api/ on a healthy hub.
const apiRunning = "API running."

// Ping measures the round trip of GET /api/.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var status struct {
		Message string `json:"message"`
	}
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/", nil, &status); err != nil {
		return 0, err
	}
	if status.Message != apiRunning {
		return 0, fmt.Errorf("unexpected API status: %q", status.Message)
	}
	latency := time.Since(start)

	c.mu.Lock()
	c.lastLatency = latency
	c.mu.Unlock()
	return latency, nil
}

// CheckAPI reports whether the REST API answers.
func (c *Client) CheckAPI(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	return err == nil
}

// GetConfig returns the hub configuration.
func (c *Client) GetConfig(ctx context.Context) (*HubConfig, error) {
	var cfg HubConfig
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LocationInfo returns the hub's home location.
func (c *Client) LocationInfo(ctx context.Context) (*Location, error) {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &Location{
		Name:      cfg.LocationName,
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
		Elevation: cfg.Elevation,
		TimeZone:  cfg.TimeZone,
	}, nil
}

// CallService invokes domain.service with data and returns the states
// the hub reports as changed by the call.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]*EntityState, error) {
	if domain == "" || service == "" {
		return nil, errors.New("call service: domain and service are required")
	}
	if data == nil {
		data = map[string]any{}
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)

	var changed []*EntityState
	if err := c.rest.callInto(ctx, http.MethodPost, path, data, &changed); err != nil {
		return nil, err
	}
	c.logger.Info("service called", "service", domain+"."+service, "changed", len(changed))
	return changed, nil
}

// SendNotification calls notify.<target>, defaulting to notify.notify.
func (c *Client) SendNotification(ctx context.Context, message, title, target string) error {
	if target == "" {
		target = "notify"
	}
	data := map[string]any{"message": message}
	if title != "" {
		data["title"] = title
	}
	_, err := c.CallService(ctx, "notify", target, data)
	return err
}

// HistoryQuery selects state history.
type HistoryQuery struct {
	EntityIDs              []string
	Start                  time.Time
	End                    time.Time
	MinimalResponse        bool
	SignificantChangesOnly bool
}

func (q HistoryQuery) encode() string {
	var params []string
	if len(q.EntityIDs) > 0 {
		params = append(params, "filter_entity_id="+url.QueryEscape(strings.Join(q.EntityIDs, ",")))
	}
	if !q.Start.IsZero() {
		params = append(params, "start_time="+url.QueryEscape(q.Start.Format(time.RFC3339)))
	}
	if !q.End.IsZero() {
		params = append(params, "end_time="+url.QueryEscape(q.End.Format(time.RFC3339)))
	}
	if q.MinimalResponse {
		params = append(params, "minimal_response")
	}
	if q.SignificantChangesOnly {
		params = append(params, "significant_changes_only")
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + strings.Join(params, "&")
}

// GetHistory returns state history, one series per entity. Entries in a
// minimal response that omit the entity id inherit it from the first
// entry of their series.
func (c *Client) GetHistory(ctx context.Context, q HistoryQuery) ([][]EntityState, error) {
	var series [][]EntityState
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/history/period"+q.encode(), nil, &series); err != nil {
		return nil, err
	}
	for _, s := range series {
		if len(s) == 0 {
			continue
		}
		id := s[0].EntityID
		for i := range s {
			if s[i].EntityID == "" {
				s[i].EntityID = id
			}
		}
	}
	return series, nil
}

// LogbookQuery selects logbook entries.
type LogbookQuery struct {
	EntityIDs []string
	Start     time.Time
	End       time.Time
}

// GetLogbook returns logbook entries.
func (c *Client) GetLogbook(ctx context.Context, q LogbookQuery) ([]LogbookEntry, error) {
	path := "/api/logbook"
	if !q.Start.IsZero() {
		path += "/" + url.PathEscape(q.Start.Format(time.RFC3339))
	}
	v := url.Values{}
	if len(q.EntityIDs) > 0 {
		v.Set("entity", strings.Join(q.EntityIDs, ","))
	}
	if !q.End.IsZero() {
		v.Set("end_time", q.End.Format(time.RFC3339))
	}
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var entries []LogbookEntry
	if err := c.rest.callInto(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetCameraImage returns the current image of a camera entity and its
// content type.
func (c *Client) GetCameraImage(ctx context.Context, entityID string) ([]byte, string, error) {
	if _, _, err := ParseEntityID(entityID); err != nil {
		return nil, "", err
	}
	return c.rest.do(ctx, http.MethodGet, "/api/camera_proxy/"+url.PathEscape(entityID), nil, 0)
}

// RenderTemplate renders a template on the hub and returns the text.
func (c *Client) RenderTemplate(ctx context.Context, template string) (string, error) {
	body, _, err := c.rest.do(ctx, http.MethodPost, "/api/template", map[string]string{"template": template}, 0)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FireEvent fires a custom event on the hub bus and returns the hub's
// confirmation message.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) (string, error) {
	if eventType == "" {
		return "", errors.New("fire event: event type is required")
	}
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.rest.callInto(ctx, http.MethodPost, "/api/events/"+url.PathEscape(eventType), data, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// StatisticsQuery selects long-term statistics.
type StatisticsQuery struct {
	StatisticIDs []string
	Start        time.Time
	End          time.Time
	// Period is hour, day, week, or month. Empty means hour.
	Period string
}

// GetStatistics returns statistics keyed by statistic id.
func (c *Client) GetStatistics(ctx context.Context, q StatisticsQuery) (map[string][]map[string]any, error) {
	period := q.Period
	if period == "" {
		period = "hour"
	}
	body := map[string]any{"period": period}
	if len(q.StatisticIDs) > 0 {
		body["statistic_ids"] = q.StatisticIDs
	}
	if !q.Start.IsZero() {
		body["start_time"] = q.Start.Format(time.RFC3339)
	}
	if !q.End.IsZero() {
		body["end_time"] = q.End.Format(time.RFC3339)
	}

	var out map[string][]map[string]any
	if err := c.rest.callInto(ctx, http.MethodPost, "/api/history/statistics", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAvailableStatistics lists the statistic ids the hub records.
func (c *Client) GetAvailableStatistics(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/history/statistics", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSystemHealth returns the hub's system health report.
func (c *Client) GetSystemHealth(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/system_health/info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPanels returns the registered frontend panels keyed by URL path.
func (c *Client) GetPanels(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.rest.callInto(ctx, http.MethodGet, "/api/panels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
