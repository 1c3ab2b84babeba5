package ctim

import "encoding/json"

// Bundle collects entities for a response, keeping insertion order.
type Bundle struct {
	sightings     []*Sighting
	indicators    []*Indicator
	relationships []*Relationship
}

// AddSighting appends a sighting.
func (b *Bundle) AddSighting(s *Sighting) {
	b.sightings = append(b.sightings, s)
}

// AddIndicator appends an indicator.
func (b *Bundle) AddIndicator(i *Indicator) {
	b.indicators = append(b.indicators, i)
}

// AddRelationship appends a relationship.
func (b *Bundle) AddRelationship(r *Relationship) {
	b.relationships = append(b.relationships, r)
}

// Sightings returns the collected sightings.
func (b *Bundle) Sightings() []*Sighting { return b.sightings }

// Indicators returns the collected indicators.
func (b *Bundle) Indicators() []*Indicator { return b.indicators }

// Relationships returns the collected relationships.
func (b *Bundle) Relationships() []*Relationship { return b.relationships }

// Empty reports whether nothing was collected.
func (b *Bundle) Empty() bool {
	return len(b.sightings) == 0 && len(b.indicators) == 0 && len(b.relationships) == 0
}

type docs[T any] struct {
	Count int `json:"count"`
	Docs  []T `json:"docs"`
}

// MarshalJSON renders the bundle as entity groups keyed by plural type.
// Empty groups are omitted.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	out := struct {
		Sightings     *docs[*Sighting]     `json:"sightings,omitempty"`
		Indicators    *docs[*Indicator]    `json:"indicators,omitempty"`
		Relationships *docs[*Relationship] `json:"relationships,omitempty"`
	}{}
	if len(b.sightings) > 0 {
		out.Sightings = &docs[*Sighting]{Count: len(b.sightings), Docs: b.sightings}
	}
	if len(b.indicators) > 0 {
		out.Indicators = &docs[*Indicator]{Count: len(b.indicators), Docs: b.indicators}
	}
	if len(b.relationships) > 0 {
		out.Relationships = &docs[*Relationship]{Count: len(b.relationships), Docs: b.relationships}
	}
	return json.Marshal(out)
}
