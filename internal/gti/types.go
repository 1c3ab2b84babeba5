// Package gti provides a client for the Gigamon ThreatINSIGHT APIs along with
// the detection, rule, event and DHCP record types they return.
package gti

// Observable is the subject of an enrichment request.
type Observable struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Rule is the detection logic a Detection fired for.
type Rule struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Confidence  string `json:"confidence"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Created     string `json:"created"`
}

// Indicator describes which event field a detection matched on. Field is a
// dotted path optionally prefixed by a protocol tag, e.g. "http:files.sha256".
type Indicator struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// Summary holds per rule/account counts shared by every detection in the group.
type Summary struct {
	ImpactedDevices int `json:"impacted_devices"`
	IndicatorValues int `json:"indicator_values"`
}

// RuleAccountKey groups detections of the same rule firing for the same account.
type RuleAccountKey struct {
	RuleUUID    string
	AccountUUID string
}

// Detection is an active detection with its rule resolved.
type Detection struct {
	UUID        string      `json:"uuid"`
	Rule        Rule        `json:"rule"`
	DeviceIP    string      `json:"device_ip"`
	AccountUUID string      `json:"account_uuid"`
	Indicators  []Indicator `json:"indicators"`
	Summary     *Summary    `json:"summary,omitempty"`
}

// Key returns the rule/account grouping key of the detection.
func (d *Detection) Key() RuleAccountKey {
	return RuleAccountKey{RuleUUID: d.Rule.UUID, AccountUUID: d.AccountUUID}
}

// DHCPRecord is a device identity lease observed for an IP.
type DHCPRecord struct {
	IP          string `json:"ip"`
	AccountCode string `json:"account_code"`
	Hostname    string `json:"hostname,omitempty"`
	MAC         string `json:"mac,omitempty"`
}

// Endpoint is one side of a network event.
type Endpoint struct {
	IP       string       `json:"ip"`
	Internal bool         `json:"internal"`
	DHCP     []DHCPRecord `json:"dhcp,omitempty"`
}
