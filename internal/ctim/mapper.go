package ctim

import (
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lvonguyen/gti-relay/internal/config"
	"github.com/lvonguyen/gti-relay/internal/gti"
)

// levels maps ThreatINSIGHT severity and confidence onto CTIM levels.
var levels = map[string]string{
	"high":     "High",
	"moderate": "Medium",
	"low":      "Low",
}

// Relation names.
const (
	RelConnectedTo    = "Connected_To"
	RelQueriedFor     = "Queried_For"
	RelResolvedTo     = "Resolved_To"
	RelSentFrom       = "Sent_From"
	RelSentTo         = "Sent_To"
	RelHostedOn       = "Hosted_On"
	RelDownloadedTo   = "Downloaded_To"
	RelDownloadedFrom = "Downloaded_From"
	RelUploadedFrom   = "Uploaded_From"
	RelUploadedTo     = "Uploaded_To"
	RelSANDNSFor      = "SAN_DNS_For"
)

// Mapper converts aggregated events into CTIM entities.
type Mapper struct {
	ruleURL        string
	ruleAccountURL string
	searchURL      string
	observableName map[string]string
	newID          func() string
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithIDSource overrides the generator of transient id suffixes.
func WithIDSource(f func() string) MapperOption {
	return func(m *Mapper) { m.newID = f }
}

// NewMapper creates a Mapper using the UI link templates of cfg.
func NewMapper(cfg config.RelayConfig, opts ...MapperOption) *Mapper {
	m := &Mapper{
		ruleURL:        cfg.UIRuleURL,
		ruleAccountURL: cfg.UIRuleAccountURL,
		searchURL:      cfg.UISearchURL,
		observableName: cfg.ObservableTypes,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func transientID(entityType, suffix string) string {
	return "transient:" + entityType + "-" + suffix
}

func expand(template string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(template)
}

func (m *Mapper) searchLink(query string) string {
	return expand(m.searchURL, "{query}", url.QueryEscape(query))
}

func (m *Mapper) ruleLink(ruleUUID string) string {
	return expand(m.ruleURL, "{rule_uuid}", ruleUUID)
}

func (m *Mapper) ruleAccountLink(ruleUUID, accountUUID string) string {
	return expand(m.ruleAccountURL, "{rule_uuid}", ruleUUID, "{account_uuid}", accountUUID)
}

// AddEvents maps the events of one observable into b. Each distinct rule
// yields one indicator, and each sighting of a detection is linked to its
// rule's indicator.
func (m *Mapper) AddEvents(b *Bundle, events []*gti.Event) {
	indicators := make(map[string]*Indicator)
	for _, e := range events {
		sighting := m.Sighting(e)
		b.AddSighting(sighting)

		if e.Detection == nil {
			continue
		}
		rule := e.Detection.Rule
		indicator, ok := indicators[rule.UUID]
		if !ok {
			indicator = m.Indicator(rule)
			indicators[rule.UUID] = indicator
			b.AddIndicator(indicator)
		}
		b.AddRelationship(m.Relationship(sighting, indicator))
	}
}

// Sighting maps one aggregated event.
func (m *Mapper) Sighting(e *gti.Event) *Sighting {
	observed := ObservedTime{StartTime: e.RawTimestamp(), EndTime: e.RawTimestamp()}

	s := &Sighting{
		ID:            transientID("sighting", m.newID()),
		Type:          "sighting",
		SchemaVersion: SchemaVersion,
		Source:        Source,
		Confidence:    "High",
		Count:         1,
		Internal:      true,
		ObservedTime:  observed,
		Data:          dataTable(e),
		Description:   "- Event: `" + strings.ToUpper(e.Type) + "`",
		ExternalIDs:   []string{e.UUID},
		ExternalReferences: []ExternalReference{{
			SourceName: Source,
			Description: "- Represents the UUID of the given event.\n" +
				"- Links to a UI search page querying for that particular event by its UUID.",
			ExternalID: e.UUID,
			URL:        m.searchLink("uuid = '" + e.UUID + "'"),
		}},
		Sensor:  e.SensorID,
		Targets: targets(observed, e),
	}

	if e.Observable != nil {
		s.Observables = []Observable{{Type: e.Observable.Type, Value: e.Observable.Value}}
	}

	if d := e.Detection; d != nil {
		s.Description += "\n- Rule: `" + d.Rule.Name + "`"
		s.ExternalIDs = append(s.ExternalIDs, d.Rule.UUID)
		s.ExternalReferences = append(s.ExternalReferences, ExternalReference{
			SourceName: Source,
			Description: "- Represents the UUID of a rule matching the given event.\n" +
				"- Links to a UI page describing that specific rule along with providing some summary over its history.\n" +
				"- Includes the UUID of an account associated with that particular detection.",
			ExternalID: d.Rule.UUID,
			URL:        m.ruleAccountLink(d.Rule.UUID, d.AccountUUID),
		})
		s.Severity = levels[d.Rule.Severity]
	}

	s.SourceURI = s.ExternalReferences[len(s.ExternalReferences)-1].URL
	s.Relations = relations(e)

	return s
}

// Indicator maps a rule. The id is derived from the rule uuid so the same
// rule always maps to the same indicator id.
func (m *Mapper) Indicator(r gti.Rule) *Indicator {
	link := m.ruleLink(r.UUID)
	i := &Indicator{
		ID:            transientID("indicator", r.UUID),
		Type:          "indicator",
		SchemaVersion: SchemaVersion,
		Producer:      Source,
		Source:        Source,
		ValidTime:     ValidTime{StartTime: r.Created},
		Confidence:    levels[r.Confidence],
		Description:   r.Description,
		ExternalIDs:   []string{r.UUID},
		ExternalReferences: []ExternalReference{{
			SourceName: Source,
			Description: "- Represents the UUID of the given rule.\n" +
				"- Links to a UI page describing that specific rule along with providing some summary over its history.",
			ExternalID: r.UUID,
			URL:        link,
		}},
		Severity:         levels[r.Severity],
		ShortDescription: r.Name,
		SourceURI:        link,
		Title:            r.Name,
	}
	if r.Category != "" {
		i.Tags = []string{r.Category}
	}
	return i
}

// Relationship links a sighting to its indicator.
func (m *Mapper) Relationship(s *Sighting, i *Indicator) *Relationship {
	return &Relationship{
		ID:               transientID("relationship", m.newID()),
		Type:             "relationship",
		SchemaVersion:    SchemaVersion,
		RelationshipType: "sighting-of",
		SourceRef:        s.ID,
		TargetRef:        i.ID,
	}
}

// Reference builds the UI search pivot for a supported observable. It
// reports false for unsupported types.
func (m *Mapper) Reference(obs gti.Observable) (Reference, bool) {
	name, ok := m.observableName[obs.Type]
	if !ok {
		return Reference{}, false
	}
	return Reference{
		ID:          "ref-gti-search-" + obs.Type + "-" + obs.Value,
		Title:       "Search for this " + name,
		Description: "Lookup this " + name + " on " + Source,
		URL:         m.searchLink(obs.Value),
		Categories:  []string{"Search", Source},
	}, true
}
