package utils

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
)

func (t MetricType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	}
	return "unknown"
}

type Metric struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Sum       float64           `json:"sum,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector is an in-process registry served by the metrics
// endpoint. Histograms keep count and sum; Value is the running mean.
type MetricsCollector struct {
	metrics map[string]*Metric
	mutex   sync.RWMutex
}

var globalMetrics = CreateMetricsCollector()

func CreateMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	key := metricKey(name, labels)
	if metric, exists := mc.metrics[key]; exists {
		metric.Value++
		metric.Timestamp = time.Now()
		return
	}
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      Counter.String(),
		Value:     1,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.metrics[metricKey(name, labels)] = &Metric{
		Name:      name,
		Type:      Gauge.String(),
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	key := metricKey(name, labels)
	metric, exists := mc.metrics[key]
	if !exists {
		metric = &Metric{Name: name, Type: Histogram.String(), Labels: labels}
		mc.metrics[key] = metric
	}
	metric.Count++
	metric.Sum += value
	metric.Value = metric.Sum / float64(metric.Count)
	metric.Timestamp = time.Now()
}

func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	metric, ok := mc.metrics[metricKey(name, labels)]
	if !ok {
		return nil
	}
	copied := *metric
	return &copied
}

func (mc *MetricsCollector) GetAllMetrics() map[string]*Metric {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	result := make(map[string]*Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		copied := *v
		result[k] = &copied
	}
	return result
}

// metricKey sorts labels so the same set always maps to the same series.
func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("_" + k + ":" + labels[k])
	}
	return b.String()
}

func IncrementCounter(name string, labels map[string]string) {
	globalMetrics.IncrementCounter(name, labels)
}

func SetGauge(name string, value float64, labels map[string]string) {
	globalMetrics.SetGauge(name, value, labels)
}

func RecordHistogram(name string, value float64, labels map[string]string) {
	globalMetrics.RecordHistogram(name, value, labels)
}

func GetMetric(name string, labels map[string]string) *Metric {
	return globalMetrics.GetMetric(name, labels)
}

func GetAllMetrics() map[string]*Metric {
	return globalMetrics.GetAllMetrics()
}

func RecordEventMetrics(eventType, agent, severity string) {
	IncrementCounter("pipeline_events_total", map[string]string{
		"event_type": eventType,
		"agent":      agent,
		"severity":   severity,
	})
}

func RecordDownloadMetrics(outcome string) {
	IncrementCounter("downloads_total", map[string]string{"outcome": outcome})
}

func RecordRequestMetrics(method string, status int, took time.Duration) {
	labels := map[string]string{"method": method, "class": statusClass(status)}
	IncrementCounter("http_requests_total", labels)
	RecordHistogram("http_request_duration_ms", float64(took.Milliseconds()), labels)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}
