package provider

import (
	"testing"
	"time"
)

func TestMonitorAccumulatesRequests(t *testing.T) {
	m := NewProviderMonitor()

	m.RecordRequest(100 * time.Millisecond)
	for i := 0; i < 100; i++ {
		m.RecordRequest(50 * time.Millisecond)
	}

	stats := m.GetStats()
	if stats.RequestsLast1Hour != 101 {
		t.Errorf("Expected 101 requests, got %d", stats.RequestsLast1Hour)
	}
	if stats.Status != StatusHealthy {
		t.Errorf("Expected healthy, got %s", stats.Status)
	}
}

func TestMonitorDropsOldRequests(t *testing.T) {
	m := NewProviderMonitor()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RecordRequest(time.Millisecond)
	now = now.Add(2 * time.Hour)
	m.RecordRequest(time.Millisecond)

	if got := m.GetStats().RequestsLast1Hour; got != 1 {
		t.Errorf("Expected 1 request in window, got %d", got)
	}
}

func TestMonitorBlockedAfter403(t *testing.T) {
	m := NewProviderMonitor()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RecordThrottle(403, "")
	if status := m.CheckProviderStatus(); status != StatusBlocked {
		t.Fatalf("Expected blocked, got %s", status)
	}

	now = now.Add(11 * time.Minute)
	if status := m.CheckProviderStatus(); status != StatusHealthy {
		t.Errorf("Expected healthy after block expired, got %s", status)
	}
}

func TestMonitorRetryAfterHeader(t *testing.T) {
	m := NewProviderMonitor()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RecordThrottle(429, "30")
	if got := m.GetRetryAfter(); got != 30*time.Second {
		t.Errorf("Expected 30s retry after, got %v", got)
	}
}

func TestMonitorDetectThrottlePattern(t *testing.T) {
	m := NewProviderMonitor()
	if !m.DetectThrottlePattern("Project Rate Limit reached") {
		t.Error("Expected throttle pattern to match")
	}
	if m.DetectThrottlePattern("execution reverted") {
		t.Error("Expected no throttle pattern")
	}
}
