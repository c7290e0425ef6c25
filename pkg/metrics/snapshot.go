package metrics

import (
	"fmt"
	"strings"
)

// Family is one metric family in the JSON rendering of the registry.
type Family struct {
	Help    string   `json:"help,omitempty"`
	Type    string   `json:"type"`
	Metrics []Sample `json:"metrics"`
}

// Sample is one labeled series. Value is set for counters and gauges,
// Count and Sum for histograms and summaries.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  *float64          `json:"value,omitempty"`
	Count  *uint64           `json:"count,omitempty"`
	Sum    *float64          `json:"sum,omitempty"`
}

// Snapshot gathers the registry and renders every family as JSON-ready
// data, the same series /metrics exposes in text form.
func (m *Metrics) Snapshot() (map[string]Family, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]Family, len(families))
	for _, mf := range families {
		fam := Family{
			Help:    mf.GetHelp(),
			Type:    strings.ToLower(mf.GetType().String()),
			Metrics: make([]Sample, 0, len(mf.GetMetric())),
		}
		for _, metric := range mf.GetMetric() {
			sample := Sample{}
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				sample.Labels = make(map[string]string, len(pairs))
				for _, p := range pairs {
					sample.Labels[p.GetName()] = p.GetValue()
				}
			}
			switch {
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				count, sum := h.GetSampleCount(), h.GetSampleSum()
				sample.Count, sample.Sum = &count, &sum
			case metric.GetSummary() != nil:
				s := metric.GetSummary()
				count, sum := s.GetSampleCount(), s.GetSampleSum()
				sample.Count, sample.Sum = &count, &sum
			case metric.GetCounter() != nil:
				v := metric.GetCounter().GetValue()
				sample.Value = &v
			case metric.GetGauge() != nil:
				v := metric.GetGauge().GetValue()
				sample.Value = &v
			case metric.GetUntyped() != nil:
				v := metric.GetUntyped().GetValue()
				sample.Value = &v
			}
			fam.Metrics = append(fam.Metrics, sample)
		}
		out[mf.GetName()] = fam
	}
	return out, nil
}
