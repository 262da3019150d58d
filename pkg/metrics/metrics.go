package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/types"
)

// Connection kinds passed to RecordConnection.
const (
	ConnHTTP      = "http"
	ConnTunnel    = "tunnel"
	ConnIntercept = "intercept"
)

// ResponseTimeHistogram tracks response time distribution
type ResponseTimeHistogram struct {
	buckets []time.Duration
	counts  []atomic.Int64
}

// NewResponseTimeHistogram creates a new histogram with default buckets
func NewResponseTimeHistogram() *ResponseTimeHistogram {
	buckets := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		5 * time.Second,
	}
	return &ResponseTimeHistogram{
		buckets: buckets,
		counts:  make([]atomic.Int64, len(buckets)+1),
	}
}

// Record adds a response time to the histogram
func (h *ResponseTimeHistogram) Record(duration time.Duration) {
	for i, bucket := range h.buckets {
		if duration <= bucket {
			h.counts[i].Add(1)
			return
		}
	}
	h.counts[len(h.counts)-1].Add(1)
}

// GetStats returns histogram statistics
func (h *ResponseTimeHistogram) GetStats() map[string]int64 {
	stats := make(map[string]int64)
	for i, bucket := range h.buckets {
		stats[bucket.String()] = h.counts[i].Load()
	}
	stats[">"+h.buckets[len(h.buckets)-1].String()] = h.counts[len(h.counts)-1].Load()
	return stats
}

// Metrics collects proxy counters. The zero value is not usable; use New.
type Metrics struct {
	connections map[string]*atomic.Int64

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64

	bytesRelayed  atomic.Int64
	bytesCaptured atomic.Int64

	credentials atomic.Int64
	records     atomic.Int64

	networkErrors     atomic.Int64
	certificateErrors atomic.Int64
	extractionErrors  atomic.Int64
	encodingErrors    atomic.Int64
	otherErrors       atomic.Int64

	mu        sync.RWMutex
	histogram map[string]*ResponseTimeHistogram

	startTime time.Time
}

var _ interfaces.MetricsCollector = (*Metrics)(nil)

// New creates a new metrics collector
func New() *Metrics {
	return &Metrics{
		connections: map[string]*atomic.Int64{
			ConnHTTP:      new(atomic.Int64),
			ConnTunnel:    new(atomic.Int64),
			ConnIntercept: new(atomic.Int64),
		},
		histogram: make(map[string]*ResponseTimeHistogram),
		startTime: time.Now(),
	}
}

// RecordConnection counts an accepted connection by kind.
func (m *Metrics) RecordConnection(kind string) {
	if c, ok := m.connections[kind]; ok {
		c.Add(1)
	}
}

// RecordRequest records a request with its response time
func (m *Metrics) RecordRequest(method, host string, duration time.Duration, success bool) {
	m.totalRequests.Add(1)
	if success {
		m.successfulRequests.Add(1)
	} else {
		m.failedRequests.Add(1)
	}

	key := method + " " + host
	m.mu.RLock()
	hist, exists := m.histogram[key]
	m.mu.RUnlock()
	if !exists {
		m.mu.Lock()
		if hist, exists = m.histogram[key]; !exists {
			hist = NewResponseTimeHistogram()
			m.histogram[key] = hist
		}
		m.mu.Unlock()
	}
	hist.Record(duration)
}

func (m *Metrics) RecordBytesRelayed(bytes int64) {
	m.bytesRelayed.Add(bytes)
}

func (m *Metrics) RecordBytesCaptured(bytes int64) {
	m.bytesCaptured.Add(bytes)
}

func (m *Metrics) RecordCredential() {
	m.credentials.Add(1)
}

func (m *Metrics) RecordRecords(count int) {
	m.records.Add(int64(count))
}

// RecordError records an error by type
func (m *Metrics) RecordError(err error) {
	if err == nil {
		return
	}

	switch {
	case types.IsErrorType(err, types.ErrorTypeNetwork):
		m.networkErrors.Add(1)
	case types.IsErrorType(err, types.ErrorTypeCertificate):
		m.certificateErrors.Add(1)
	case types.IsErrorType(err, types.ErrorTypeExtraction):
		m.extractionErrors.Add(1)
	case types.IsErrorType(err, types.ErrorTypeEncoding):
		m.encodingErrors.Add(1)
	default:
		m.otherErrors.Add(1)
	}
}

// Credentials returns the number of credentials captured.
func (m *Metrics) Credentials() int64 {
	return m.credentials.Load()
}

// Connections returns the number of connections of a kind.
func (m *Metrics) Connections(kind string) int64 {
	if c, ok := m.connections[kind]; ok {
		return c.Load()
	}
	return 0
}

// GetStats returns current metrics
func (m *Metrics) GetStats() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{
		"uptime": time.Since(m.startTime).Round(time.Second).String(),
		"connections": map[string]int64{
			ConnHTTP:      m.connections[ConnHTTP].Load(),
			ConnTunnel:    m.connections[ConnTunnel].Load(),
			ConnIntercept: m.connections[ConnIntercept].Load(),
		},
		"total_requests":      m.totalRequests.Load(),
		"successful_requests": m.successfulRequests.Load(),
		"failed_requests":     m.failedRequests.Load(),
		"bytes_relayed":       m.bytesRelayed.Load(),
		"bytes_captured":      m.bytesCaptured.Load(),
		"credentials":         m.credentials.Load(),
		"records":             m.records.Load(),
		"errors": map[string]int64{
			"network":     m.networkErrors.Load(),
			"certificate": m.certificateErrors.Load(),
			"extraction":  m.extractionErrors.Load(),
			"encoding":    m.encodingErrors.Load(),
			"other":       m.otherErrors.Load(),
		},
	}

	endpoints := make(map[string]map[string]int64, len(m.histogram))
	for endpoint, hist := range m.histogram {
		endpoints[endpoint] = hist.GetStats()
	}
	stats["response_times"] = endpoints

	return stats
}

// GetSuccessRate returns the success rate percentage
func (m *Metrics) GetSuccessRate() float64 {
	total := m.totalRequests.Load()
	if total == 0 {
		return 100.0
	}
	return float64(m.successfulRequests.Load()) / float64(total) * 100.0
}

// Nop discards everything.
type Nop struct{}

var _ interfaces.MetricsCollector = Nop{}

func (Nop) RecordConnection(string) {}
func (Nop) RecordRequest(string, string, time.Duration, bool) {}
func (Nop) RecordBytesRelayed(int64) {}
func (Nop) RecordBytesCaptured(int64) {}
func (Nop) RecordCredential() {}
func (Nop) RecordRecords(int) {}
func (Nop) RecordError(error) {}
func (Nop) GetStats() interface{} { return nil }
