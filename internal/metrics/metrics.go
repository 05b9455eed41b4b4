// Package metrics defines the narrow push interface the daemon uses to
// surface counters and gauges. The exporter transport behind it is an
// external collaborator; the daemon only ever pushes named values.
package metrics

import (
	"log/slog"
	"sort"
	"sync"

	"logship/internal/logging"
)

// Metric names emitted by the daemon.
const (
	FilesEnqueued    = "files_enqueued"
	FilesUploaded    = "files_uploaded"
	BytesUploaded    = "bytes_uploaded"
	UploadFailures   = "upload_failures"
	FilesDeleted     = "files_deleted"
	QueueDepth       = "queue_depth"
	RegistrySize     = "registry_size"
	DiskUsagePercent = "disk_usage_percent"
)

// Label attaches a dimension to a metric, e.g. the failure kind.
type Label struct {
	Key   string
	Value string
}

// Publisher receives metric updates from the daemon.
type Publisher interface {
	Counter(name string, delta float64, labels ...Label)
	Gauge(name string, value float64, labels ...Label)
}

// NewNop returns a publisher that drops everything.
func NewNop() Publisher { return nopPublisher{} }

type nopPublisher struct{}

func (nopPublisher) Counter(string, float64, ...Label) {}
func (nopPublisher) Gauge(string, float64, ...Label)   {}

// LogPublisher writes metric updates to the debug log. It is the default
// publisher when no exporter is wired in.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher wraps logger as a Publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Counter(name string, delta float64, labels ...Label) {
	p.logger.Debug("metric counter", append(labelArgs(labels),
		logging.String("name", name),
		logging.Float64("delta", delta))...)
}

func (p *LogPublisher) Gauge(name string, value float64, labels ...Label) {
	p.logger.Debug("metric gauge", append(labelArgs(labels),
		logging.String("name", name),
		logging.Float64("value", value))...)
}

func labelArgs(labels []Label) []any {
	args := make([]any, 0, len(labels))
	for _, label := range labels {
		args = append(args, logging.String("label_"+label.Key, label.Value))
	}
	return args
}

// Capture accumulates metric updates in memory for tests.
type Capture struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewCapture returns an empty capture publisher.
func NewCapture() *Capture {
	return &Capture{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (c *Capture) Counter(name string, delta float64, labels ...Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[keyWithLabels(name, labels)] += delta
}

func (c *Capture) Gauge(name string, value float64, labels ...Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[keyWithLabels(name, labels)] = value
}

// CounterValue returns the accumulated counter for name with labels.
func (c *Capture) CounterValue(name string, labels ...Label) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[keyWithLabels(name, labels)]
}

// GaugeValue returns the last gauge value for name with labels.
func (c *Capture) GaugeValue(name string, labels ...Label) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[keyWithLabels(name, labels)]
}

func keyWithLabels(name string, labels []Label) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, label.Key+"="+label.Value)
	}
	sort.Strings(parts)
	key := name + "{"
	for i, part := range parts {
		if i > 0 {
			key += ","
		}
		key += part
	}
	return key + "}"
}
