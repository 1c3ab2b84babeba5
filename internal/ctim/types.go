// Package ctim maps ThreatINSIGHT events and rules onto Cisco Threat
// Intelligence Model entities: sightings, indicators and the relationships
// between them.
package ctim

// SchemaVersion is stamped on every produced entity.
const SchemaVersion = "1.0.17"

// Source names the data provider on produced entities.
const Source = "Gigamon ThreatINSIGHT"

// Observable is a CTIM observable.
type Observable struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ObservedTime is the time span of a sighting.
type ObservedTime struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
}

// ValidTime is the validity span of an indicator.
type ValidTime struct {
	StartTime string `json:"start_time,omitempty"`
}

// Column describes one column of a sighting data table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a sighting data table.
type Table struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ExternalReference links an entity to its representation in the source UI.
type ExternalReference struct {
	SourceName  string `json:"source_name"`
	Description string `json:"description"`
	ExternalID  string `json:"external_id"`
	URL         string `json:"url"`
}

// Relation is an observed relation between two observables.
type Relation struct {
	Origin   string     `json:"origin"`
	Related  Observable `json:"related"`
	Relation string     `json:"relation"`
	Source   Observable `json:"source"`
}

// Target is the device a sighting was observed on.
type Target struct {
	Observables  []Observable `json:"observables"`
	ObservedTime ObservedTime `json:"observed_time"`
	Type         string       `json:"type"`
}

// Sighting records one event in which an observable was seen.
type Sighting struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	SchemaVersion      string              `json:"schema_version"`
	Source             string              `json:"source"`
	Confidence         string              `json:"confidence"`
	Count              int                 `json:"count"`
	Internal           bool                `json:"internal"`
	ObservedTime       ObservedTime        `json:"observed_time"`
	Data               *Table              `json:"data,omitempty"`
	Description        string              `json:"description"`
	ExternalIDs        []string            `json:"external_ids"`
	ExternalReferences []ExternalReference `json:"external_references"`
	Observables        []Observable        `json:"observables"`
	Relations          []Relation          `json:"relations,omitempty"`
	Sensor             string              `json:"sensor,omitempty"`
	Severity           string              `json:"severity,omitempty"`
	SourceURI          string              `json:"source_uri,omitempty"`
	Targets            []Target            `json:"targets,omitempty"`
}

// Indicator describes the detection logic of a rule.
type Indicator struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	SchemaVersion      string              `json:"schema_version"`
	Producer           string              `json:"producer"`
	Source             string              `json:"source"`
	ValidTime          ValidTime           `json:"valid_time"`
	Confidence         string              `json:"confidence,omitempty"`
	Description        string              `json:"description,omitempty"`
	ExternalIDs        []string            `json:"external_ids"`
	ExternalReferences []ExternalReference `json:"external_references"`
	Severity           string              `json:"severity,omitempty"`
	ShortDescription   string              `json:"short_description,omitempty"`
	SourceURI          string              `json:"source_uri,omitempty"`
	Tags               []string            `json:"tags,omitempty"`
	Title              string              `json:"title,omitempty"`
}

// Relationship links a sighting to the indicator it is a sighting of.
type Relationship struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	SchemaVersion    string `json:"schema_version"`
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

// Reference is a pivot link into the ThreatINSIGHT UI.
type Reference struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Categories  []string `json:"categories"`
}
