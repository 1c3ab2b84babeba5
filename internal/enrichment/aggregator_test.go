package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/gti"
)

const testKey = "secret"

// fakeUpstream serves canned responses. Events are stored as JSON and decoded
// on every call so each fetch hands out fresh values, like the real client.
type fakeUpstream struct {
	detections    []*gti.Detection
	detectionsErr error

	eventsByDetection map[string]string
	detectionErrs     map[string]error

	entityEvents string
	entityErr    error

	dhcp    map[string][]gti.DHCPRecord
	dhcpErr error

	mu          sync.Mutex
	entityLimit int
	windowQuery *gti.WindowQuery
	dhcpRequest map[string]string
	dhcpCalls   int
}

func (f *fakeUpstream) Detections(_ context.Context, key, _ string) ([]*gti.Detection, error) {
	if key == "" {
		return nil, &gti.Error{Code: gti.CodeInvalidAuthentication, Message: "Authentication is invalid."}
	}
	return f.detections, f.detectionsErr
}

func (f *fakeUpstream) DetectionEvents(_ context.Context, _, detectionUUID string) ([]*gti.Event, error) {
	if err := f.detectionErrs[detectionUUID]; err != nil {
		return nil, err
	}
	return decodeEvents(f.eventsByDetection[detectionUUID])
}

func (f *fakeUpstream) EntityEvents(_ context.Context, _, _ string, limit int) ([]*gti.Event, error) {
	f.mu.Lock()
	f.entityLimit = limit
	f.mu.Unlock()
	if f.entityErr != nil {
		return nil, f.entityErr
	}
	return decodeEvents(f.entityEvents)
}

func (f *fakeUpstream) WindowedEntityEvents(_ context.Context, _ string, q gti.WindowQuery) ([]*gti.Event, error) {
	f.mu.Lock()
	f.windowQuery = &q
	f.mu.Unlock()
	if f.entityErr != nil {
		return nil, f.entityErr
	}
	events, err := decodeEvents(f.entityEvents)
	if err != nil {
		return nil, err
	}
	var out []*gti.Event
	for _, e := range events {
		if _, ok := q.Exclude[e.UUID]; !ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeUpstream) DHCPRecords(_ context.Context, _ string, eventTimeByIP map[string]string) (map[string][]gti.DHCPRecord, error) {
	f.mu.Lock()
	f.dhcpRequest = eventTimeByIP
	f.dhcpCalls++
	f.mu.Unlock()
	if f.dhcpErr != nil {
		return nil, f.dhcpErr
	}
	if f.dhcp == nil {
		return map[string][]gti.DHCPRecord{}, nil
	}
	return f.dhcp, nil
}

func decodeEvents(raw string) ([]*gti.Event, error) {
	if raw == "" {
		return nil, nil
	}
	var events []*gti.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// flow renders a flow event between src and dst. Internal endpoints are
// marked with a leading '~'.
func flow(uuid, ts, src, dst string) string {
	endpoint := func(ip string) string {
		internal := strings.HasPrefix(ip, "~")
		return fmt.Sprintf(`{"ip":%q,"internal":%t}`, strings.TrimPrefix(ip, "~"), internal)
	}
	return fmt.Sprintf(
		`{"uuid":%q,"event_type":"flow","timestamp":%q,"sensor_id":"sen1","customer_id":"acme","src":%s,"dst":%s,"flow_state":"S1","proto":"tcp","service":"http","total_pkts":4}`,
		uuid, ts, endpoint(src), endpoint(dst))
}

func list(events ...string) string {
	return "[" + strings.Join(events, ",") + "]"
}

func detection(uuid, rule, account, device string, indicators ...gti.Indicator) *gti.Detection {
	return &gti.Detection{
		UUID:        uuid,
		Rule:        gti.Rule{UUID: rule, Name: "rule " + rule, Severity: "high"},
		DeviceIP:    device,
		AccountUUID: account,
		Indicators:  indicators,
	}
}

func newTestAggregator(up Upstream, mode string) *Aggregator {
	settings := SettingsFromConfig(config.DefaultConfig().Relay)
	settings.SearchMode = mode
	settings.Workers = 4
	return NewAggregator(up, settings)
}

var ipObservable = gti.Observable{Type: "ip", Value: "45.77.51.101"}

func uuids(events []*gti.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.UUID)
	}
	return out
}

func TestEventsForObservable_DetectionLookupFails(t *testing.T) {
	upErr := &gti.Error{Code: "client.invalid_authentication", Message: "Authentication is invalid."}
	up := &fakeUpstream{detectionsErr: upErr}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})

	assert.Nil(t, events)
	require.Error(t, err)
	assert.Same(t, upErr, err)
	assert.Zero(t, up.dhcpCalls)
}

func TestEventsForObservable_NoDetections(t *testing.T) {
	up := &fakeUpstream{
		entityEvents: list(
			flow("e1", "2024-01-01T10:00:00.000Z", "45.77.51.101", "8.8.8.8"),
			flow("e2", "2024-01-03T10:00:00.000Z", "45.77.51.101", "8.8.8.8"),
			flow("e1", "2024-01-05T10:00:00.000Z", "45.77.51.101", "8.8.8.8"),
			flow("e3", "2024-01-02T10:00:00.000Z", "45.77.51.101", "8.8.8.8"),
		),
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"e2", "e3"}, uuids(events))
	assert.Equal(t, 2, up.entityLimit)
	for _, e := range events {
		assert.Nil(t, e.Detection)
	}
}

func TestEventsForObservable_MatchesIndicatorPaths(t *testing.T) {
	d := detection("d1", "r1", "acct", "10.0.0.5",
		gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}},
		gti.Indicator{Field: "http:uri.uri", Values: []string{"/evil"}},
	)
	up := &fakeUpstream{
		detections: []*gti.Detection{d},
		eventsByDetection: map[string]string{
			"d1": list(
				flow("match", "2024-01-02T00:00:00.000Z", "~10.0.0.5", "45.77.51.101"),
				flow("src-only", "2024-01-03T00:00:00.000Z", "45.77.51.101", "1.1.1.1"),
			),
		},
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)

	require.Equal(t, []string{"match"}, uuids(events))
	require.NotNil(t, events[0].Detection)
	assert.Equal(t, "d1", events[0].Detection.UUID)
	assert.Equal(t, "r1", events[0].Detection.Rule.UUID)
}

func TestEventsForObservable_SuppressesPerDetectionFailure(t *testing.T) {
	ind := gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}
	up := &fakeUpstream{
		detections: []*gti.Detection{
			detection("d1", "r1", "acct", "10.0.0.1", ind),
			detection("d2", "r1", "acct", "10.0.0.2", ind),
			detection("d3", "r2", "acct", "10.0.0.3", ind),
		},
		eventsByDetection: map[string]string{
			"d1": list(flow("a", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101")),
			"d3": list(flow("c", "2024-01-03T00:00:00.000Z", "10.0.0.3", "45.77.51.101")),
		},
		detectionErrs: map[string]error{
			"d2": &gti.Error{Code: "server.error", Message: "boom"},
		},
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "a"}, uuids(events))
}

func TestEventsForObservable_SummaryPerRuleAccount(t *testing.T) {
	up := &fakeUpstream{
		detections: []*gti.Detection{
			detection("d1", "r1", "acct", "10.0.0.1",
				gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101", "5.5.5.5"}}),
			detection("d2", "r1", "acct", "10.0.0.2",
				gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}},
				gti.Indicator{Field: "http:uri.uri", Values: []string{"/ignored"}}),
			detection("d3", "r1", "acct", "10.0.0.1",
				gti.Indicator{Field: "http:host.domain", Values: []string{"bad.example"}}),
			detection("d4", "r1", "other", "10.9.9.9",
				gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}),
		},
		eventsByDetection: map[string]string{
			"d1": list(flow("a", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101")),
			"d2": list(flow("b", "2024-01-02T00:00:00.000Z", "10.0.0.2", "45.77.51.101")),
			"d4": list(flow("d", "2024-01-04T00:00:00.000Z", "10.9.9.9", "45.77.51.101")),
		},
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)
	require.Len(t, events, 3)

	group := gti.Summary{ImpactedDevices: 2, IndicatorValues: 3}
	for _, d := range up.detections[:3] {
		require.NotNil(t, d.Summary, d.UUID)
		assert.Equal(t, group, *d.Summary, d.UUID)
	}
	assert.NotSame(t, up.detections[0].Summary, up.detections[1].Summary)
	assert.Equal(t, gti.Summary{ImpactedDevices: 1, IndicatorValues: 1}, *up.detections[3].Summary)
}

func TestEventsForObservable_DeduplicatesAcrossSources(t *testing.T) {
	ind := gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}
	shared := flow("shared", "2024-01-02T00:00:00.000Z", "10.0.0.1", "45.77.51.101")
	up := &fakeUpstream{
		detections: []*gti.Detection{
			detection("d1", "r1", "acct", "10.0.0.1", ind),
			detection("d2", "r2", "acct", "10.0.0.1", ind),
		},
		eventsByDetection: map[string]string{
			"d1": list(shared),
			"d2": list(shared),
		},
		entityEvents: list(
			shared,
			flow("fresh", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101"),
		),
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"shared", "fresh"}, uuids(events))
	require.NotNil(t, events[0].Detection)
	assert.Equal(t, "d1", events[0].Detection.UUID, "first detection in lookup order wins")
	assert.Nil(t, events[1].Detection)
}

func TestEventsForObservable_LimitKeepsMostRecent(t *testing.T) {
	up := &fakeUpstream{
		entityEvents: list(
			flow("old", "2024-01-01T00:00:00.000Z", "1.1.1.1", "45.77.51.101"),
			flow("older", "2023-12-01T00:00:00.000Z", "1.1.1.1", "45.77.51.101"),
			flow("newest", "2024-03-01T00:00:00.000Z", "1.1.1.1", "45.77.51.101"),
			flow("new", "2024-02-01T00:00:00.000Z", "1.1.1.1", "45.77.51.101"),
		),
	}
	agg := newTestAggregator(up, config.SearchModeLimit)

	for limit, want := range map[int][]string{
		0:  {},
		1:  {"newest"},
		3:  {"newest", "new", "old"},
		10: {"newest", "new", "old", "older"},
	} {
		events, err := agg.EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: limit})
		require.NoError(t, err)
		assert.Equal(t, want, uuids(events), "limit %d", limit)
	}
}

func TestEventsForObservable_DHCPEnrichment(t *testing.T) {
	up := &fakeUpstream{
		entityEvents: list(
			flow("recent", "2024-01-05T00:00:00.000Z", "~10.0.0.1", "45.77.51.101"),
			flow("earlier", "2024-01-01T00:00:00.000Z", "~10.0.0.1", "~10.0.0.2"),
		),
		dhcp: map[string][]gti.DHCPRecord{
			"10.0.0.1": {
				{IP: "10.0.0.1", AccountCode: "acme", Hostname: "laptop-1", MAC: "aa:bb"},
				{IP: "10.0.0.1", AccountCode: "globex", Hostname: "elsewhere"},
			},
			"10.0.0.2": {
				{IP: "10.0.0.2", AccountCode: "globex", Hostname: "not-ours"},
			},
		},
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, map[string]string{
		"10.0.0.1": "2024-01-05T00:00:00.000Z",
		"10.0.0.2": "2024-01-01T00:00:00.000Z",
	}, up.dhcpRequest)

	for _, e := range events {
		require.Len(t, e.Src.DHCP, 1, e.UUID)
		assert.Equal(t, "laptop-1", e.Src.DHCP[0].Hostname)
	}
	assert.Empty(t, events[0].Dst.DHCP, "external endpoint is never enriched")
	assert.Empty(t, events[1].Dst.DHCP, "records of another account are not attached")
}

func TestEventsForObservable_EventsWithoutEndpoints(t *testing.T) {
	up := &fakeUpstream{
		entityEvents: list(
			`{"uuid":"x1","event_type":"x509","timestamp":"2024-01-01T00:00:00.000Z","customer_id":"acme","subject":"CN=bad.example"}`,
		),
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Src)
	assert.Empty(t, up.dhcpRequest)
}

func TestEventsForObservable_AttachesObservable(t *testing.T) {
	ind := gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}
	up := &fakeUpstream{
		detections: []*gti.Detection{detection("d1", "r1", "acct", "10.0.0.1", ind)},
		eventsByDetection: map[string]string{
			"d1": list(flow("a", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101")),
		},
		entityEvents: list(flow("b", "2024-01-02T00:00:00.000Z", "10.0.0.1", "45.77.51.101")),
	}

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		require.NotNil(t, e.Observable)
		assert.Equal(t, ipObservable, *e.Observable)
	}
}

func TestEventsForObservable_FatalErrors(t *testing.T) {
	upErr := &gti.Error{Code: "server.unavailable", Message: "down"}

	t.Run("entity search", func(t *testing.T) {
		up := &fakeUpstream{entityErr: upErr}
		events, err := newTestAggregator(up, config.SearchModeLimit).
			EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
		assert.Nil(t, events)
		assert.Same(t, upErr, err)
	})

	t.Run("dhcp lookup", func(t *testing.T) {
		up := &fakeUpstream{
			entityEvents: list(flow("a", "2024-01-01T00:00:00.000Z", "~10.0.0.1", "45.77.51.101")),
			dhcpErr:      upErr,
		}
		events, err := newTestAggregator(up, config.SearchModeLimit).
			EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 100})
		assert.Nil(t, events)
		assert.Same(t, upErr, err)
	})
}

func TestEventsForObservable_WindowedSearch(t *testing.T) {
	ind := gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}
	up := &fakeUpstream{
		detections: []*gti.Detection{detection("d1", "r1", "acct", "10.0.0.1", ind)},
		eventsByDetection: map[string]string{
			"d1": list(flow("a", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101")),
		},
		entityEvents: list(
			flow("a", "2024-01-01T00:00:00.000Z", "10.0.0.1", "45.77.51.101"),
			flow("b", "2024-01-02T00:00:00.000Z", "10.0.0.1", "45.77.51.101"),
		),
	}

	events, err := newTestAggregator(up, config.SearchModeWindow).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 50, AllowTestAccounts: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, uuids(events))
	require.NotNil(t, up.windowQuery)
	assert.Equal(t, 50, up.windowQuery.Limit)
	assert.Equal(t, 7, up.windowQuery.DayRange)
	assert.True(t, up.windowQuery.AllowTestAccounts)
	assert.Contains(t, up.windowQuery.Exclude, "a")
	assert.Equal(t, ipObservable, up.windowQuery.Observable)
}

func TestEventsForObservable_ManyDetectionsNoDuplicates(t *testing.T) {
	ind := gti.Indicator{Field: "dst.ip", Values: []string{"45.77.51.101"}}
	up := &fakeUpstream{eventsByDetection: map[string]string{}}
	var entity []string
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("d%02d", i)
		up.detections = append(up.detections, detection(id, "r", "acct", fmt.Sprintf("10.0.0.%d", i), ind))
		ts := fmt.Sprintf("2024-01-01T00:%02d:00.000Z", i)
		// Every detection shares one event with its neighbour.
		up.eventsByDetection[id] = list(
			flow(fmt.Sprintf("e%02d", i), ts, "10.0.0.1", "45.77.51.101"),
			flow(fmt.Sprintf("e%02d", i+1), ts, "10.0.0.1", "45.77.51.101"),
		)
		entity = append(entity, flow(fmt.Sprintf("e%02d", i), ts, "10.0.0.1", "45.77.51.101"))
	}
	up.entityEvents = list(entity...)

	events, err := newTestAggregator(up, config.SearchModeLimit).
		EventsForObservable(context.Background(), testKey, ipObservable, Options{EntitiesLimit: 1000})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range events {
		assert.False(t, seen[e.UUID], "duplicate %s", e.UUID)
		seen[e.UUID] = true
	}
	assert.Len(t, events, 61)
	assert.Equal(t, gti.Summary{ImpactedDevices: 60, IndicatorValues: 1}, *up.detections[0].Summary)
}
