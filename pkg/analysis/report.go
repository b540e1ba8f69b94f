// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"
)

// Report formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// MetricPrefix prefixes every exported metric name.
const MetricPrefix = "mi_"

// WriteReport writes r to w in the given format.
func (r *Result) WriteReport(w io.Writer, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q, must be %q or %q", format, FormatJSON, FormatYAML)
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(MetricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// MetricFamilies returns the analysis counts as Prometheus metric families,
// sorted by name.
func (r *Result) MetricFamilies() []*dto.MetricFamily {
	ops := &dto.MetricFamily{
		Name: proto.String(MetricPrefix + "operations"),
		Help: proto.String("Number of logged mutex operations by outcome."),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Label: []*dto.LabelPair{label("outcome", "failed")}, Gauge: &dto.Gauge{Value: proto.Float64(float64(r.Failed))}},
			{Label: []*dto.LabelPair{label("outcome", "succeeded")}, Gauge: &dto.Gauge{Value: proto.Float64(float64(r.Succeeded))}},
		},
	}
	hot := &dto.MetricFamily{
		Name: proto.String(MetricPrefix + "hot_operation_cost_clocks"),
		Help: proto.String("Cost of the most expensive operations, by rank."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for i, op := range r.Hot {
		hot.Metric = append(hot.Metric, &dto.Metric{
			Label: []*dto.LabelPair{
				label("kind", op.RawKind),
				label("mutex", op.ShortObject),
				label("rank", strconv.Itoa(i)),
				label("thread", op.ShortThread),
			},
			Gauge: &dto.Gauge{Value: proto.Float64(op.Cost)},
		})
	}

	families := []*dto.MetricFamily{
		gauge("chains", "Number of stored lock chains.", float64(len(r.Chains))),
		gauge("conflicts", "Number of reported lock order inversions.", float64(len(r.Conflicts))),
		gauge("errors", "Number of reported errors.", float64(r.Errors)),
	}
	if len(hot.Metric) > 0 {
		families = append(families, hot)
	}
	return append(families,
		gauge("mutexes", "Number of distinct mutexes.", float64(len(r.Mutexes))),
		ops,
		gauge("threads", "Number of distinct threads.", float64(len(r.Threads))),
		gauge("warnings", "Number of reported warnings.", float64(r.Warnings)),
	)
}

// WriteMetrics writes the analysis counts to w in the Prometheus text
// exposition format.
func (r *Result) WriteMetrics(w io.Writer) error {
	for _, mf := range r.MetricFamilies() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
