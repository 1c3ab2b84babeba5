package ctim

import (
	"net/url"
	"strconv"

	"github.com/lvonguyen/gti-relay/internal/gti"
)

const bullet = "• "

// dataTable renders detection counts followed by the event-type specific
// fields as a single-row table, or nil when there is nothing to show.
func dataTable(e *gti.Event) *Table {
	var (
		columns []Column
		row     []any
	)

	if d := e.Detection; d != nil {
		var summary gti.Summary
		if d.Summary != nil {
			summary = *d.Summary
		}
		columns = append(columns,
			Column{Name: "Detection Summary", Type: "string"},
			Column{Name: "Impacted Devices", Type: "integer"},
			Column{Name: "Indicator Values", Type: "integer"},
		)
		row = append(row, " ", summary.ImpactedDevices, summary.IndicatorValues)
	}

	if fields, values := eventFields(e.Details); len(fields) > 0 {
		columns = append(columns, Column{Name: "Event Summary", Type: "string"})
		row = append(row, " ")
		for _, f := range fields {
			columns = append(columns, Column{Name: bullet + f.Name, Type: f.Type})
		}
		row = append(row, values...)
	}

	if len(columns) == 0 {
		return nil
	}
	return &Table{Columns: columns, Rows: [][]any{row}}
}

func eventFields(details gti.Details) ([]Column, []any) {
	switch d := details.(type) {
	case *gti.FlowDetails:
		return []Column{
				{"flow_state", "string"}, {"proto", "string"}, {"service", "string"}, {"total_pkts", "integer"},
			},
			[]any{d.FlowState, d.Proto, d.Service, d.TotalPkts}
	case *gti.DNSDetails:
		// CTIM tables have no boolean column type.
		return []Column{
				{"qtype", "integer"}, {"qtype_name", "string"}, {"rcode", "integer"}, {"rcode_name", "string"}, {"rejected", "string"},
			},
			[]any{d.QType, d.QTypeName, d.RCode, d.RCodeName, strconv.FormatBool(d.Rejected)}
	case *gti.HTTPDetails:
		return []Column{
				{"method", "string"}, {"status_code", "integer"}, {"status_msg", "string"}, {"files", "integer"},
			},
			[]any{d.Method, d.StatusCode, d.StatusMsg, len(d.Files)}
	case *gti.SSHDetails:
		return []Column{
				{"direction", "string"}, {"client", "string"}, {"server", "string"},
			},
			[]any{d.Direction, d.Client, d.Server}
	case *gti.SuricataDetails:
		return []Column{
				{"sig_name", "string"}, {"sig_category", "string"}, {"sig_id", "integer"}, {"sig_rev", "number"},
			},
			[]any{d.SigName, d.SigCategory, d.SigID, d.SigRev}
	}
	return nil, nil
}

type relationBuilder struct {
	relations []Relation
}

func (b *relationBuilder) add(sourceType, sourceValue, relation, relatedType, relatedValue string) {
	b.relations = append(b.relations, Relation{
		Origin:   Source,
		Source:   Observable{Type: sourceType, Value: sourceValue},
		Relation: relation,
		Related:  Observable{Type: relatedType, Value: relatedValue},
	})
}

// relations derives observable relations from the event. Relations needing
// an absent endpoint are skipped.
func relations(e *gti.Event) []Relation {
	var b relationBuilder

	if e.Src != nil && e.Dst != nil {
		b.add("ip", e.Src.IP, RelConnectedTo, "ip", e.Dst.IP)
	}

	switch d := e.Details.(type) {
	case *gti.DNSDetails:
		if d.Query == nil {
			break
		}
		if e.Src != nil {
			b.add("ip", e.Src.IP, RelQueriedFor, "domain", d.Query.Domain)
		}
		for _, answer := range d.Answers {
			if answer.IP != "" {
				b.add("domain", d.Query.Domain, RelResolvedTo, "ip", answer.IP)
			}
		}

	case *gti.HTTPDetails:
		httpRelations(&b, e, d)

	case *gti.X509Details:
		if e.Observable != nil && e.Observable.Type == "domain" && e.Dst != nil {
			b.add("domain", e.Observable.Value, RelSANDNSFor, "ip", e.Dst.IP)
		}
	}

	return b.relations
}

func httpRelations(b *relationBuilder, e *gti.Event, d *gti.HTTPDetails) {
	if d.UserAgent != "" {
		if e.Src != nil {
			b.add("user_agent", d.UserAgent, RelSentFrom, "ip", e.Src.IP)
		}
		if e.Dst != nil {
			b.add("user_agent", d.UserAgent, RelSentTo, "ip", e.Dst.IP)
		}
	}

	if d.Host != nil && d.Host.Domain != "" && e.Dst != nil {
		b.add("domain", d.Host.Domain, RelResolvedTo, "ip", e.Dst.IP)
	}

	if d.URI != nil {
		if link, ok := requestURL(d); ok {
			if e.Src != nil {
				b.add("ip", e.Src.IP, RelConnectedTo, "url", link)
			}
			if e.Dst != nil {
				b.add("url", link, RelHostedOn, "ip", e.Dst.IP)
			}
		}
	}

	if len(d.Files) > 0 {
		srcRel, dstRel := RelUploadedFrom, RelUploadedTo
		if d.Method == "GET" {
			srcRel, dstRel = RelDownloadedTo, RelDownloadedFrom
		}
		for _, loc := range []struct {
			endpoint *gti.Endpoint
			relation string
		}{{e.Src, srcRel}, {e.Dst, dstRel}} {
			if loc.endpoint == nil {
				continue
			}
			for _, f := range d.Files {
				for _, h := range f.Hashes() {
					b.add(h[0], h[1], loc.relation, "ip", loc.endpoint.IP)
				}
			}
		}
	}
}

// requestURL rebuilds the full requested URL. The URI usually carries only
// the path; a missing scheme defaults to http and a missing host is taken
// from the Host header.
func requestURL(d *gti.HTTPDetails) (string, bool) {
	u, err := url.Parse(d.URI.URI)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if u.Host == "" && d.Host != nil {
		if d.Host.Domain != "" {
			u.Host = d.Host.Domain
		} else {
			u.Host = d.Host.IP
		}
	}
	return u.String(), true
}

// targets returns the first internal endpoint as the sighting target, with
// hostname and MAC from its first DHCP record of the event's account.
func targets(observed ObservedTime, e *gti.Event) []Target {
	var device *gti.Endpoint
	for _, loc := range e.Locations() {
		if loc.Endpoint.Internal {
			device = loc.Endpoint
			break
		}
	}
	if device == nil {
		return nil
	}

	observables := []Observable{{Type: "ip", Value: device.IP}}
	for _, r := range device.DHCP {
		if r.AccountCode != e.CustomerID {
			continue
		}
		if r.Hostname != "" {
			observables = append(observables, Observable{Type: "hostname", Value: r.Hostname})
		}
		if r.MAC != "" {
			observables = append(observables, Observable{Type: "mac_address", Value: r.MAC})
		}
		break
	}

	return []Target{{
		Observables:  observables,
		ObservedTime: observed,
		Type:         "endpoint",
	}}
}
