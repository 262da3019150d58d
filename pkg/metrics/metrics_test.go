package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"session-capture-proxy/pkg/types"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordConnection(ConnTunnel)
	m.RecordConnection(ConnIntercept)
	m.RecordConnection(ConnIntercept)
	m.RecordConnection("unknown")
	m.RecordRequest("GET", "example.com", 20*time.Millisecond, true)
	m.RecordRequest("GET", "example.com", 2*time.Second, false)
	m.RecordCredential()
	m.RecordRecords(3)
	m.RecordError(types.NewNetworkError("refused", nil))
	m.RecordError(errors.New("plain"))
	m.RecordError(nil)

	if got := m.Connections(ConnIntercept); got != 2 {
		t.Errorf("Expected 2 intercepted connections, got %d", got)
	}
	if got := m.Credentials(); got != 1 {
		t.Errorf("Expected 1 credential, got %d", got)
	}
	if rate := m.GetSuccessRate(); rate != 50.0 {
		t.Errorf("Expected 50%% success rate, got %f", rate)
	}

	stats := m.GetStats().(map[string]interface{})
	errs := stats["errors"].(map[string]int64)
	if errs["network"] != 1 || errs["other"] != 1 {
		t.Errorf("Unexpected error counters %v", errs)
	}
	hist := stats["response_times"].(map[string]map[string]int64)["GET example.com"]
	if hist["50ms"] != 1 || hist["5s"] != 1 {
		t.Errorf("Unexpected histogram %v", hist)
	}
}

func TestMetrics_ConcurrentRequests(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordRequest("GET", "a", time.Millisecond, true)
		}()
	}
	wg.Wait()

	if got := m.GetStats().(map[string]interface{})["total_requests"].(int64); got != 50 {
		t.Errorf("Expected 50 requests, got %d", got)
	}
}
