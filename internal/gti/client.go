package gti

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/observability"
)

// Operation names used for logging, metrics and spans.
const (
	opDetections      = "detections"
	opDetectionEvents = "detection_events"
	opEntityEvents    = "entity_events"
	opDHCPRecords     = "dhcp_records"
)

// maxErrorBody caps how much of a failed response is read.
const maxErrorBody = 64 << 10

// Client performs ThreatINSIGHT API operations. Every operation returns a
// *Error on failure; a Client is safe for concurrent use.
type Client struct {
	families     map[string]*url.URL
	userAgent    string
	httpClient   *http.Client
	logger       *zap.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	testEntity   string
	testAccounts map[string]struct{}
	now          func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from the upstream config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithTestAccounts sets the demo/training accounts filtered out of windowed
// searches unless explicitly allowed.
func WithTestAccounts(accounts []string) Option {
	return func(c *Client) {
		c.testAccounts = make(map[string]struct{}, len(accounts))
		for _, a := range accounts {
			c.testAccounts[a] = struct{}{}
		}
	}
}

// WithClock overrides the time source used for windowed searches.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the configured API families.
func NewClient(cfg config.UpstreamConfig, opts ...Option) (*Client, error) {
	families := make(map[string]*url.URL, len(cfg.FamilyURLs))
	for family, raw := range cfg.FamilyURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s base URL: %w", family, err)
		}
		families[family] = u
	}
	for _, family := range []string{config.FamilyDetection, config.FamilyEvent, config.FamilyEntity} {
		if _, ok := families[family]; !ok {
			return nil, fmt.Errorf("missing base URL for API family %q", family)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out
	}

	c := &Client{
		families:  families,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("gti"),
		testEntity: cfg.TestEntity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Detections looks up active detections having entity as an indicator value.
// Each detection's rule is resolved from the rules returned alongside it.
func (c *Client) Detections(ctx context.Context, key, entity string) ([]*Detection, error) {
	params := url.Values{}
	params.Set("indicator_value", entity)
	params.Set("status", "active")
	params.Add("include", "indicators")
	params.Add("include", "rules")

	var resp struct {
		Detections []struct {
			Detection
			RuleUUID string `json:"rule_uuid"`
		} `json:"detections"`
		Rules []Rule `json:"rules"`
	}
	if err := c.do(ctx, opDetections, http.MethodGet, config.FamilyDetection, "detections", key, params, nil, &resp); err != nil {
		return nil, err
	}

	rules := make(map[string]Rule, len(resp.Rules))
	for _, r := range resp.Rules {
		rules[r.UUID] = r
	}

	detections := make([]*Detection, 0, len(resp.Detections))
	for _, raw := range resp.Detections {
		d := raw.Detection
		rule, ok := rules[raw.RuleUUID]
		if !ok {
			c.logger.Warn("Detection references an unknown rule",
				zap.String("detection_uuid", d.UUID),
				zap.String("rule_uuid", raw.RuleUUID))
			rule = Rule{UUID: raw.RuleUUID}
		}
		d.Rule = rule
		detections = append(detections, &d)
	}

	return detections, nil
}

// DetectionEvents fetches the events behind one detection.
func (c *Client) DetectionEvents(ctx context.Context, key, detectionUUID string) ([]*Event, error) {
	params := url.Values{}
	params.Set("detection_uuid", detectionUUID)

	var resp struct {
		Events []struct {
			Event *Event `json:"event"`
		} `json:"events"`
	}
	if err := c.do(ctx, opDetectionEvents, http.MethodGet, config.FamilyDetection, "events", key, params, nil, &resp); err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(resp.Events))
	for _, wrapper := range resp.Events {
		if wrapper.Event != nil {
			events = append(events, wrapper.Event)
		}
	}
	return events, nil
}

type eventQuery struct {
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

type eventsResponse struct {
	Events []*Event `json:"events"`
}

// EntityEvents searches the most recent events mentioning entity, capped at limit.
func (c *Client) EntityEvents(ctx context.Context, key, entity string, limit int) ([]*Event, error) {
	var resp eventsResponse
	body := eventQuery{Query: entity, Limit: limit}
	if err := c.do(ctx, opEntityEvents, http.MethodPost, config.FamilyEvent, "query", key, nil, body, &resp); err != nil {
		return nil, err
	}
	return compactEvents(resp.Events), nil
}

// WindowQuery parameterizes a day-windowed entity search.
type WindowQuery struct {
	Observable Observable
	// Limit is the total number of events wanted, including those in Exclude.
	Limit    int
	DayRange int
	// Exclude holds uuids already collected by the caller.
	Exclude           map[string]struct{}
	AllowTestAccounts bool
}

// WindowedEntityEvents walks backwards one day at a time until enough new
// events are collected or the day range is exhausted. Events already in
// q.Exclude and, unless allowed, events of test accounts are skipped.
func (c *Client) WindowedEntityEvents(ctx context.Context, key string, q WindowQuery) ([]*Event, error) {
	want := q.Limit - len(q.Exclude)
	events := []*Event{}

	end := c.now()
	start := end.Add(-24 * time.Hour)
	for day := 0; day < q.DayRange && len(events) < want; day++ {
		body := eventQuery{
			Query:     fmt.Sprintf("%s = '%s'", q.Observable.Type, q.Observable.Value),
			StartDate: FormatTimestamp(start),
			EndDate:   FormatTimestamp(end),
		}

		var resp eventsResponse
		if err := c.do(ctx, opEntityEvents, http.MethodPost, config.FamilyEvent, "query", key, nil, body, &resp); err != nil {
			return nil, err
		}

		for _, e := range resp.Events {
			if e == nil {
				continue
			}
			if _, seen := q.Exclude[e.UUID]; seen {
				continue
			}
			if !q.AllowTestAccounts && c.isTestAccount(e.CustomerID) {
				continue
			}
			events = append(events, e)
		}

		end, start = start, start.Add(-24*time.Hour)
	}

	return events, nil
}

// DHCPRecords fetches DHCP leases for each IP as of its event time, grouped by
// IP. An empty input returns an empty map without calling the API.
func (c *Client) DHCPRecords(ctx context.Context, key string, eventTimeByIP map[string]string) (map[string][]DHCPRecord, error) {
	if len(eventTimeByIP) == 0 {
		return map[string][]DHCPRecord{}, nil
	}

	type entity struct {
		IP        string `json:"ip"`
		EventTime string `json:"event_time"`
	}
	ips := make([]string, 0, len(eventTimeByIP))
	for ip := range eventTimeByIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	body := struct {
		Entities []entity `json:"entities"`
	}{Entities: make([]entity, 0, len(ips))}
	for _, ip := range ips {
		body.Entities = append(body.Entities, entity{IP: ip, EventTime: eventTimeByIP[ip]})
	}

	var resp struct {
		Bulk struct {
			DHCP []DHCPRecord `json:"dhcp"`
		} `json:"entity_tracking_bulk_response"`
	}
	if err := c.do(ctx, opDHCPRecords, http.MethodPost, config.FamilyEntity, "entity/tracking/bulk/get/ip", key, nil, body, &resp); err != nil {
		return nil, err
	}

	byIP := make(map[string][]DHCPRecord)
	for _, r := range resp.Bulk.DHCP {
		byIP[r.IP] = append(byIP[r.IP], r)
	}
	return byIP, nil
}

// HealthCheck verifies the credential by searching the configured test entity.
func (c *Client) HealthCheck(ctx context.Context, key string) error {
	_, err := c.EntityEvents(ctx, key, c.testEntity, 1)
	return err
}

func (c *Client) isTestAccount(account string) bool {
	_, ok := c.testAccounts[account]
	return ok
}

// do performs one API call, decoding a successful response into out.
func (c *Client) do(ctx context.Context, op, method, family, route, key string, params url.Values, body, out any) (err error) {
	if key == "" {
		return errInvalidAuthentication()
	}

	ctx, span := c.tracer.Start(ctx, "gti."+op, trace.WithAttributes(
		attribute.String("gti.family", family),
		attribute.String("http.method", method),
	))
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if e, ok := AsError(err); ok {
				span.SetAttributes(attribute.String("gti.error_code", e.Code))
			}
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveUpstream(op, outcome, time.Since(started))
	}()

	req, reqErr := c.newRequest(ctx, method, family, route, key, params, body)
	if reqErr != nil {
		return &Error{Code: CodeConnection, Message: reqErr.Error()}
	}

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		e := transportError(doErr)
		c.logger.Debug("Upstream request failed",
			zap.String("operation", op),
			zap.String("code", e.Code),
			zap.Error(doErr))
		return e
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, &envelope) != nil {
			return apiError(resp.StatusCode, nil)
		}
		return apiError(resp.StatusCode, &envelope)
	}

	if out == nil {
		return nil
	}
	if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
		return &Error{
			Code:    CodeUnexpectedResponse,
			Message: fmt.Sprintf("Unable to decode ThreatINSIGHT response: %v.", decodeErr),
		}
	}
	return nil
}

// newRequest creates an authenticated API request.
func (c *Client) newRequest(ctx context.Context, method, family, route, key string, params url.Values, body any) (*http.Request, error) {
	base, ok := c.families[family]
	if !ok {
		return nil, fmt.Errorf("unknown API family %q", family)
	}

	u := base.ResolveReference(&url.URL{Path: route})
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "IBToken "+key)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func compactEvents(events []*Event) []*Event {
	out := events[:0]
	for _, e := range events {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
