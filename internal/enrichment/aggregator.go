// Package enrichment resolves everything ThreatINSIGHT knows about one
// observable into a single ordered list of events.
//
// For an observable the Aggregator looks up matching detections, fetches the
// events behind each detection concurrently, keeps the events that actually
// contain the observable on one of the detection's indicator paths, merges
// them with a broader entity search, and enriches internal endpoints with
// DHCP records.
package enrichment

import (
	"context"
	"maps"
	"runtime"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/fieldpath"
	"github.com/lvonguyen/gti-relay/internal/gti"
	"github.com/lvonguyen/gti-relay/internal/observability"
)

// Upstream is the subset of the ThreatINSIGHT client the Aggregator uses.
type Upstream interface {
	Detections(ctx context.Context, key, entity string) ([]*gti.Detection, error)
	DetectionEvents(ctx context.Context, key, detectionUUID string) ([]*gti.Event, error)
	EntityEvents(ctx context.Context, key, entity string, limit int) ([]*gti.Event, error)
	WindowedEntityEvents(ctx context.Context, key string, q gti.WindowQuery) ([]*gti.Event, error)
	DHCPRecords(ctx context.Context, key string, eventTimeByIP map[string]string) (map[string][]gti.DHCPRecord, error)
}

// Settings is the process-wide aggregation configuration.
type Settings struct {
	// ObservableTypes are the indicator path suffixes worth matching on.
	ObservableTypes map[string]string
	SearchMode      string
	DayRange        int
	// Workers bounds concurrent per-detection fetches.
	Workers int
}

// SettingsFromConfig builds Settings from the relay configuration.
func SettingsFromConfig(cfg config.RelayConfig) Settings {
	return Settings{
		ObservableTypes: cfg.ObservableTypes,
		SearchMode:      cfg.SearchMode,
		DayRange:        cfg.DayRange,
		Workers:         cfg.Workers,
	}
}

// Options are the per-request knobs carried by the caller's credential.
type Options struct {
	EntitiesLimit     int
	AllowTestAccounts bool
}

// Aggregator runs the event aggregation workflow.
type Aggregator struct {
	upstream Upstream
	settings Settings
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Aggregator) { a.tracer = t }
}

// NewAggregator creates an Aggregator. The settings are copied.
func NewAggregator(upstream Upstream, settings Settings, opts ...Option) *Aggregator {
	settings.ObservableTypes = maps.Clone(settings.ObservableTypes)
	if settings.Workers <= 0 {
		settings.Workers = runtime.GOMAXPROCS(0) * 5
	}
	if settings.SearchMode == "" {
		settings.SearchMode = config.SearchModeLimit
	}

	a := &Aggregator{
		upstream: upstream,
		settings: settings,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("enrichment"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EventsForObservable returns the deduplicated, enriched events for obs, most
// recent first and at most opts.EntitiesLimit long. Failures of the detection
// lookup, entity search or DHCP lookup abort with that error; failures of
// individual per-detection event fetches only drop that detection's events.
func (a *Aggregator) EventsForObservable(ctx context.Context, key string, obs gti.Observable, opts Options) (events []*gti.Event, err error) {
	ctx, span := a.tracer.Start(ctx, "enrichment.events_for_observable", trace.WithAttributes(
		attribute.String("observable.type", obs.Type),
	))
	started := time.Now()
	var detectionCount int
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("detections", detectionCount),
			attribute.Int("events", len(events)),
		)
		span.End()
		a.metrics.ObserveAggregation(obs.Type, outcome, detectionCount, len(events), time.Since(started))
	}()

	limit := opts.EntitiesLimit
	if limit < 0 {
		limit = 0
	}
	log := a.logger.With(zap.String("observable_type", obs.Type))

	detections, err := a.upstream.Detections(ctx, key, obs.Value)
	if err != nil {
		return nil, err
	}
	detectionCount = len(detections)
	log.Debug("Fetched detections", zap.Int("count", len(detections)))

	events = a.detectionEvents(ctx, key, obs, detections, log)

	entityEvents, err := a.entityEvents(ctx, key, obs, events, limit, opts.AllowTestAccounts)
	if err != nil {
		return nil, err
	}
	log.Debug("Fetched entity events",
		zap.Int("detection_events", len(events)),
		zap.Int("entity_events", len(entityEvents)))

	events = dedupe(append(events, entityEvents...))
	events = newestFirst(events, limit)

	records, err := a.upstream.DHCPRecords(ctx, key, eventTimeByIP(events))
	if err != nil {
		return nil, err
	}
	attachDHCP(events, records)

	observable := obs
	for _, e := range events {
		e.Observable = &observable
	}

	return events, nil
}

// detectionEvents fans out one event fetch per detection and returns, in
// detection order, the events matching the observable on one of the
// detection's indicator paths. Every detection receives its group summary.
func (a *Aggregator) detectionEvents(ctx context.Context, key string, obs gti.Observable, detections []*gti.Detection, log *zap.Logger) []*gti.Event {
	summarizer := NewSummarizer()
	matched := make([][]*gti.Event, len(detections))

	var g errgroup.Group
	g.SetLimit(a.settings.Workers)

	for i, d := range detections {
		g.Go(func() error {
			fetched, err := a.upstream.DetectionEvents(ctx, key, d.UUID)
			if err != nil {
				log.Warn("Suppressing event fetch failure for detection",
					zap.String("detection_uuid", d.UUID),
					zap.Error(err))
				a.metrics.IncSuppressed()
				fetched = nil
			}

			paths, values := indicatorPaths(d, a.settings.ObservableTypes)
			summarizer.Observe(d, values)

			for _, e := range fetched {
				if matchesAny(e, paths, obs.Value) {
					e.Detection = d
					matched[i] = append(matched[i], e)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	summarizer.Apply(detections)

	var events []*gti.Event
	for _, m := range matched {
		events = append(events, m...)
	}
	return events
}

// entityEvents runs the configured entity search.
func (a *Aggregator) entityEvents(ctx context.Context, key string, obs gti.Observable, known []*gti.Event, limit int, allowTestAccounts bool) ([]*gti.Event, error) {
	if a.settings.SearchMode != config.SearchModeWindow {
		return a.upstream.EntityEvents(ctx, key, obs.Value, limit)
	}

	exclude := make(map[string]struct{}, len(known))
	for _, e := range known {
		exclude[e.UUID] = struct{}{}
	}
	return a.upstream.WindowedEntityEvents(ctx, key, gti.WindowQuery{
		Observable:        obs,
		Limit:             limit,
		DayRange:          a.settings.DayRange,
		Exclude:           exclude,
		AllowTestAccounts: allowTestAccounts,
	})
}

func matchesAny(e *gti.Event, paths []fieldpath.Path, value string) bool {
	for _, p := range paths {
		if fieldpath.Contains(e.Document(), p, value) {
			return true
		}
	}
	return false
}

// dedupe keeps the first event seen for every uuid.
func dedupe(events []*gti.Event) []*gti.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]*gti.Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.UUID]; ok {
			continue
		}
		seen[e.UUID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// newestFirst sorts by timestamp descending, keeping merge order for ties,
// then keeps at most limit events.
func newestFirst(events []*gti.Event, limit int) []*gti.Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events
}

// eventTimeByIP maps each internal endpoint IP to the timestamp of the first,
// and therefore most recent, event it appears in.
func eventTimeByIP(events []*gti.Event) map[string]string {
	byIP := make(map[string]string)
	for _, e := range events {
		for _, loc := range e.Locations() {
			if !loc.Endpoint.Internal {
				continue
			}
			if _, ok := byIP[loc.Endpoint.IP]; !ok {
				byIP[loc.Endpoint.IP] = e.RawTimestamp()
			}
		}
	}
	return byIP
}

// attachDHCP sets the DHCP records of internal endpoints, keeping only records
// of the event's own account.
func attachDHCP(events []*gti.Event, records map[string][]gti.DHCPRecord) {
	for _, e := range events {
		for _, loc := range e.Locations() {
			if !loc.Endpoint.Internal {
				continue
			}
			var own []gti.DHCPRecord
			for _, r := range records[loc.Endpoint.IP] {
				if r.AccountCode == e.CustomerID {
					own = append(own, r)
				}
			}
			if len(own) > 0 {
				loc.Endpoint.DHCP = own
			}
		}
	}
}
