// Metrics collection for the driveboard host
//
// Counter, Gauge and Histogram metrics with label support, gathered into
// Prometheus text format for scraping through the monitor server.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Labels represents metric labels as key-value pairs.
type Labels map[string]string

func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		v := labels[k]
		v = strings.ReplaceAll(v, "\\", "\\\\")
		v = strings.ReplaceAll(v, "\"", "\\\"")
		fmt.Fprintf(&sb, "%s=%q", k, v)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Metric is implemented by all metric types.
type Metric interface {
	Name() string
	Write(sb *strings.Builder)
}

type series struct {
	labels  Labels
	value   float64
	count   uint64
	sum     float64
	buckets []uint64
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name string
	help string
	mu   sync.Mutex
	vals map[string]*series
}

// NewCounter creates a counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, vals: make(map[string]*series)}
}

func (c *Counter) Name() string { return c.name }

// Inc increments the counter by 1.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter by delta.
func (c *Counter) Add(labels Labels, delta float64) {
	c.mu.Lock()
	s := c.vals[labelKey(labels)]
	if s == nil {
		s = &series{labels: labels}
		c.vals[labelKey(labels)] = s
	}
	s.value += delta
	c.mu.Unlock()
}

// Get returns the current value for the label set.
func (c *Counter) Get(labels Labels) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.vals[labelKey(labels)]; s != nil {
		return s.value
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
	for _, s := range c.vals {
		fmt.Fprintf(sb, "%s%s %g\n", c.name, formatLabels(s.labels), s.value)
	}
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name string
	help string
	mu   sync.Mutex
	vals map[string]*series
}

// NewGauge creates a gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help, vals: make(map[string]*series)}
}

func (g *Gauge) Name() string { return g.name }

// Set sets the gauge for the label set.
func (g *Gauge) Set(labels Labels, value float64) {
	g.mu.Lock()
	s := g.vals[labelKey(labels)]
	if s == nil {
		s = &series{labels: labels}
		g.vals[labelKey(labels)] = s
	}
	s.value = value
	g.mu.Unlock()
}

// Add adds delta to the gauge.
func (g *Gauge) Add(labels Labels, delta float64) {
	g.mu.Lock()
	s := g.vals[labelKey(labels)]
	if s == nil {
		s = &series{labels: labels}
		g.vals[labelKey(labels)] = s
	}
	s.value += delta
	g.mu.Unlock()
}

// Get returns the current value for the label set.
func (g *Gauge) Get(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.vals[labelKey(labels)]; s != nil {
		return s.value
	}
	return 0
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
	for _, s := range g.vals {
		fmt.Fprintf(sb, "%s%s %g\n", g.name, formatLabels(s.labels), s.value)
	}
}

// Histogram tracks the distribution of observations in cumulative buckets.
type Histogram struct {
	name   string
	help   string
	bounds []float64
	mu     sync.Mutex
	vals   map[string]*series
}

// NewHistogram creates a histogram with the given bucket upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := make([]float64, len(bounds))
	copy(sorted, bounds)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, bounds: sorted, vals: make(map[string]*series)}
}

// ExponentialBuckets creates count bucket bounds starting at start,
// multiplying by factor.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	bounds := make([]float64, count)
	for i := 0; i < count; i++ {
		bounds[i] = start
		start *= factor
	}
	return bounds
}

func (h *Histogram) Name() string { return h.name }

// Observe records one value.
func (h *Histogram) Observe(labels Labels, value float64) {
	h.mu.Lock()
	s := h.vals[labelKey(labels)]
	if s == nil {
		s = &series{labels: labels, buckets: make([]uint64, len(h.bounds))}
		h.vals[labelKey(labels)] = s
	}
	s.count++
	s.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			s.buckets[i]++
		}
	}
	h.mu.Unlock()
}

// Timer returns a function that observes the elapsed time in seconds.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.Observe(labels, time.Since(start).Seconds())
	}
}

// Count returns the observation count for the label set.
func (h *Histogram) Count(labels Labels) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.vals[labelKey(labels)]; s != nil {
		return s.count
	}
	return 0
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for _, s := range h.vals {
		for i, bound := range h.bounds {
			labels := Labels{}
			for k, v := range s.labels {
				labels[k] = v
			}
			labels["le"] = fmt.Sprintf("%g", bound)
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(labels), s.buckets[i])
		}
		inf := Labels{}
		for k, v := range s.labels {
			inf[k] = v
		}
		inf["le"] = "+Inf"
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(inf), s.count)
		fmt.Fprintf(sb, "%s_sum%s %g\n", h.name, formatLabels(s.labels), s.sum)
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, formatLabels(s.labels), s.count)
	}
}

// Registry holds registered metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric; duplicate names are an error.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name()]; exists {
		return fmt.Errorf("metrics: %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister adds a metric and panics on duplicates.
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Gather renders all metrics in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
