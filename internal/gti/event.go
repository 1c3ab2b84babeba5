package gti

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types with typed details. Other types decode with nil Details.
const (
	EventTypeFlow     = "flow"
	EventTypeDNS      = "dns"
	EventTypeHTTP     = "http"
	EventTypeSSH      = "ssh"
	EventTypeSuricata = "suricata"
	EventTypeX509     = "x509"
)

// Event is a raw network or security record. The shared fields are decoded
// into the struct; type-specific fields live in Details. The decoded
// document is kept so arbitrary field paths can be matched against it.
type Event struct {
	UUID       string    `json:"uuid"`
	Type       string    `json:"event_type"`
	Timestamp  time.Time `json:"-"`
	SensorID   string    `json:"sensor_id"`
	CustomerID string    `json:"customer_id"`
	Src        *Endpoint `json:"src,omitempty"`
	Dst        *Endpoint `json:"dst,omitempty"`
	Details    Details   `json:"details,omitempty"`

	// Set during aggregation.
	Detection  *Detection  `json:"detection,omitempty"`
	Observable *Observable `json:"observable,omitempty"`

	rawTimestamp string
	doc          map[string]any
}

// Details is implemented by every typed event payload.
type Details interface {
	EventType() string
}

// FlowDetails holds flow event fields.
type FlowDetails struct {
	FlowState string `json:"flow_state"`
	Proto     string `json:"proto"`
	Service   string `json:"service"`
	TotalPkts int64  `json:"total_pkts"`
}

// DNSDetails holds dns event fields.
type DNSDetails struct {
	QType     int         `json:"qtype"`
	QTypeName string      `json:"qtype_name"`
	RCode     int         `json:"rcode"`
	RCodeName string      `json:"rcode_name"`
	Rejected  bool        `json:"rejected"`
	Query     *DNSQuery   `json:"query"`
	Answers   []DNSAnswer `json:"answers"`
}

// DNSQuery is the queried name.
type DNSQuery struct {
	Domain string `json:"domain"`
}

// DNSAnswer is one resolved answer. IP is empty for non-address records.
type DNSAnswer struct {
	IP     string `json:"ip,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// HTTPDetails holds http event fields.
type HTTPDetails struct {
	Method     string     `json:"method"`
	StatusCode int        `json:"status_code"`
	StatusMsg  string     `json:"status_msg"`
	UserAgent  string     `json:"user_agent"`
	Host       *HTTPHost  `json:"host"`
	URI        *HTTPURI   `json:"uri"`
	Files      []HTTPFile `json:"files"`
}

// HTTPHost is the requested host.
type HTTPHost struct {
	Domain string `json:"domain,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// HTTPURI is the requested URI.
type HTTPURI struct {
	URI string `json:"uri"`
}

// HTTPFile is a transferred file with its hashes.
type HTTPFile struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Hashes returns the non-empty hashes keyed by observable type, in md5, sha1, sha256 order.
func (f HTTPFile) Hashes() [][2]string {
	var out [][2]string
	for _, h := range [][2]string{{"md5", f.MD5}, {"sha1", f.SHA1}, {"sha256", f.SHA256}} {
		if h[1] != "" {
			out = append(out, h)
		}
	}
	return out
}

// SSHDetails holds ssh event fields.
type SSHDetails struct {
	Direction string `json:"direction"`
	Client    string `json:"client"`
	Server    string `json:"server"`
}

// SuricataDetails holds suricata alert fields.
type SuricataDetails struct {
	SigName     string  `json:"sig_name"`
	SigCategory string  `json:"sig_category"`
	SigID       int64   `json:"sig_id"`
	SigRev      float64 `json:"sig_rev"`
}

// X509Details holds certificate event fields.
type X509Details struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
}

func (*FlowDetails) EventType() string     { return EventTypeFlow }
func (*DNSDetails) EventType() string      { return EventTypeDNS }
func (*HTTPDetails) EventType() string     { return EventTypeHTTP }
func (*SSHDetails) EventType() string      { return EventTypeSSH }
func (*SuricataDetails) EventType() string { return EventTypeSuricata }
func (*X509Details) EventType() string     { return EventTypeX509 }

type eventBase struct {
	UUID       string    `json:"uuid"`
	Type       string    `json:"event_type"`
	Timestamp  string    `json:"timestamp"`
	SensorID   string    `json:"sensor_id"`
	CustomerID string    `json:"customer_id"`
	Src        *Endpoint `json:"src"`
	Dst        *Endpoint `json:"dst"`
}

// UnmarshalJSON decodes the shared fields, the typed details for known event
// types, and keeps the generic document.
func (e *Event) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}

	var base eventBase
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("decoding event %v: %w", doc["uuid"], err)
	}

	var details Details
	switch base.Type {
	case EventTypeFlow:
		details = &FlowDetails{}
	case EventTypeDNS:
		details = &DNSDetails{}
	case EventTypeHTTP:
		details = &HTTPDetails{}
	case EventTypeSSH:
		details = &SSHDetails{}
	case EventTypeSuricata:
		details = &SuricataDetails{}
	case EventTypeX509:
		details = &X509Details{}
	}
	// Vendor payloads drift; a details shape mismatch leaves the event usable
	// through its shared fields and document.
	if details != nil {
		if err := json.Unmarshal(data, details); err != nil {
			details = nil
		}
	}

	*e = Event{
		UUID:         base.UUID,
		Type:         base.Type,
		Timestamp:    parseTimestamp(base.Timestamp),
		SensorID:     base.SensorID,
		CustomerID:   base.CustomerID,
		Src:          base.Src,
		Dst:          base.Dst,
		Details:      details,
		rawTimestamp: base.Timestamp,
		doc:          doc,
	}
	return nil
}

// Document returns the generic decoded form of the event.
func (e *Event) Document() map[string]any {
	return e.doc
}

// RawTimestamp returns the timestamp exactly as the API reported it.
func (e *Event) RawTimestamp() string {
	if e.rawTimestamp == "" && !e.Timestamp.IsZero() {
		return FormatTimestamp(e.Timestamp)
	}
	return e.rawTimestamp
}

// Location names an endpoint slot of an event.
type Location struct {
	Name     string
	Endpoint *Endpoint
}

// Locations returns the present endpoints in src, dst order.
func (e *Event) Locations() []Location {
	var locs []Location
	if e.Src != nil {
		locs = append(locs, Location{Name: "src", Endpoint: e.Src})
	}
	if e.Dst != nil {
		locs = append(locs, Location{Name: "dst", Endpoint: e.Dst})
	}
	return locs
}

// FormatTimestamp renders t the way the API expects: UTC with milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
