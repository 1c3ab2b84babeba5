package enrichment

import (
	"sync"

	"github.com/lvonguyen/gti-relay/internal/fieldpath"
	"github.com/lvonguyen/gti-relay/internal/gti"
)

// Summarizer accumulates distinct device IPs and indicator values per
// rule/account group. It is safe for concurrent use.
type Summarizer struct {
	mu      sync.Mutex
	devices map[gti.RuleAccountKey]map[string]struct{}
	values  map[gti.RuleAccountKey]map[string]struct{}
}

// NewSummarizer returns an empty Summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{
		devices: make(map[gti.RuleAccountKey]map[string]struct{}),
		values:  make(map[gti.RuleAccountKey]map[string]struct{}),
	}
}

// Observe records the detection's device IP and the given indicator values
// under the detection's group.
func (s *Summarizer) Observe(d *gti.Detection, indicatorValues []string) {
	key := d.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	devices := s.devices[key]
	if devices == nil {
		devices = make(map[string]struct{})
		s.devices[key] = devices
	}
	devices[d.DeviceIP] = struct{}{}

	values := s.values[key]
	if values == nil {
		values = make(map[string]struct{})
		s.values[key] = values
	}
	for _, v := range indicatorValues {
		values[v] = struct{}{}
	}
}

// Summary returns the counts for one group.
func (s *Summarizer) Summary(key gti.RuleAccountKey) gti.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return gti.Summary{
		ImpactedDevices: len(s.devices[key]),
		IndicatorValues: len(s.values[key]),
	}
}

// Apply attaches its group's summary to every detection. Each detection gets
// its own copy.
func (s *Summarizer) Apply(detections []*gti.Detection) {
	for _, d := range detections {
		summary := s.Summary(d.Key())
		d.Summary = &summary
	}
}

// indicatorPaths returns the traversal paths of the detection's indicators
// whose final segment is a supported observable type, together with the
// values of those indicators.
func indicatorPaths(d *gti.Detection, observableTypes map[string]string) ([]fieldpath.Path, []string) {
	var (
		paths  []fieldpath.Path
		values []string
	)
	for _, ind := range d.Indicators {
		path, ok := fieldpath.SupportedPath(ind.Field, observableTypes)
		if !ok {
			continue
		}
		paths = append(paths, path)
		values = append(values, ind.Values...)
	}
	return paths, values
}
