package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

// Synthesizer builds the final report from whatever the pipeline collected.
// It is deterministic: identical inputs yield an identical report modulo the
// timestamp.
type Synthesizer struct{}

// Synthesize combines fresh rows (may be nil), retrieved documents and their
// citations into an immutable Report. Confidence is the mean similarity of
// the retrieved documents, or 1.0 when the answer is backed by fresh rows
// and no retrieval happened.
func (s *Synthesizer) Synthesize(query, tenantID string, fetched *upstream.FetchResult, docs []store.Document, citations []store.Citation) *store.Report {
	report := &store.Report{
		TenantID:  tenantID,
		Query:     query,
		Citations: citations,
		Timestamp: time.Now().UTC(),
	}

	var answer strings.Builder

	if fetched != nil && len(fetched.Rows) > 0 {
		answer.WriteString(summarizeRows(fetched))
		report.MetricCards = metricCards(fetched)
		if chart := buildChart(fetched); chart != nil {
			report.Charts = []store.Chart{*chart}
		}
	}

	if len(docs) > 0 {
		if answer.Len() > 0 {
			answer.WriteString(" ")
		}
		answer.WriteString(fmt.Sprintf("Based on %d related historical record(s): %s", len(docs), docs[0].Content))
	}

	if answer.Len() == 0 {
		answer.WriteString("No matching data was found for this query.")
	}
	report.AnswerText = answer.String()

	if len(docs) > 0 {
		var sum float64
		for _, d := range docs {
			sum += d.Similarity
		}
		report.Confidence = sum / float64(len(docs))
	} else if fetched != nil && len(fetched.Rows) > 0 {
		report.Confidence = 1.0
	}

	return report
}

// summarizeRows renders a one-sentence summary of the fetched table.
func summarizeRows(res *upstream.FetchResult) string {
	totals := make([]float64, len(res.MetricHeaders))
	for _, row := range res.Rows {
		for i, v := range row.MetricValues {
			if i < len(totals) {
				totals[i] += v
			}
		}
	}

	parts := make([]string, 0, len(res.MetricHeaders))
	for i, h := range res.MetricHeaders {
		parts = append(parts, fmt.Sprintf("%s: %s", h, formatMetric(totals[i])))
	}
	return fmt.Sprintf("Across %d row(s), totals are %s.", len(res.Rows), strings.Join(parts, ", "))
}

func metricCards(res *upstream.FetchResult) []store.MetricCard {
	cards := make([]store.MetricCard, 0, len(res.MetricHeaders))
	for i, h := range res.MetricHeaders {
		var total float64
		for _, row := range res.Rows {
			if i < len(row.MetricValues) {
				total += row.MetricValues[i]
			}
		}
		cards = append(cards, store.MetricCard{Label: h, Value: total})
	}
	return cards
}

// buildChart produces one series block keyed on the first dimension. Returns
// nil when there is nothing chartable.
func buildChart(res *upstream.FetchResult) *store.Chart {
	if len(res.DimensionHeaders) == 0 || len(res.MetricHeaders) == 0 {
		return nil
	}

	labelSet := make(map[string]bool)
	labels := make([]string, 0, len(res.Rows))
	perLabel := make(map[string][]float64)
	for _, row := range res.Rows {
		if len(row.DimensionValues) == 0 {
			continue
		}
		label := row.DimensionValues[0]
		if !labelSet[label] {
			labelSet[label] = true
			labels = append(labels, label)
		}
		perLabel[label] = row.MetricValues
	}
	if len(labels) == 0 {
		return nil
	}
	sort.Strings(labels)

	series := make(map[string][]float64, len(res.MetricHeaders))
	for i, h := range res.MetricHeaders {
		values := make([]float64, len(labels))
		for j, label := range labels {
			if vals := perLabel[label]; i < len(vals) {
				values[j] = vals[i]
			}
		}
		series[h] = values
	}

	kind := "bar"
	if strings.Contains(strings.ToLower(res.DimensionHeaders[0]), "date") {
		kind = "line"
	}
	return &store.Chart{
		Title:  fmt.Sprintf("%s by %s", strings.Join(res.MetricHeaders, ", "), res.DimensionHeaders[0]),
		Kind:   kind,
		Labels: labels,
		Series: series,
	}
}

func formatMetric(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// DescribeRows converts fetched tabular data into the descriptive text the
// embedding worker indexes for future retrieval.
func DescribeRows(res *upstream.FetchResult) string {
	if res == nil || len(res.Rows) == 0 {
		return ""
	}
	lines := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		parts := make([]string, 0, len(row.DimensionValues)+len(row.MetricValues))
		for i, v := range row.DimensionValues {
			if i < len(res.DimensionHeaders) {
				parts = append(parts, fmt.Sprintf("%s=%s", res.DimensionHeaders[i], v))
			}
		}
		for i, v := range row.MetricValues {
			if i < len(res.MetricHeaders) {
				parts = append(parts, fmt.Sprintf("%s=%s", res.MetricHeaders[i], formatMetric(v)))
			}
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	return strings.Join(lines, "\n")
}
