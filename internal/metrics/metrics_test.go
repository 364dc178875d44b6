package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	UpdateFleet(2, 3, 1, false)
	body := scrape(t)

	// Gauges always appear; counters only after recording.
	expectedMetrics := []string{
		"votefleet_open_browsers",
		"votefleet_paused_instances",
		"votefleet_excluded_instances",
		"votefleet_global_limit_active",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "votefleet_build_info") {
		t.Error("Expected votefleet_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, "go_version=\"go1.24\"") {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordAttempt(t *testing.T) {
	RecordAttempt("success", true, 12*time.Second)
	RecordAttempt("technical", false, 4*time.Second)
	RecordAttempt("instance_cooldown", false, 8*time.Second)

	body := scrape(t)
	if !strings.Contains(body, "votefleet_attempts_total") {
		t.Error("Expected votefleet_attempts_total metric")
	}
	if !strings.Contains(body, `outcome="success"`) {
		t.Error("Expected success outcome label")
	}
	if !strings.Contains(body, "votefleet_votes_total") {
		t.Error("Expected votefleet_votes_total metric")
	}
	if !strings.Contains(body, "votefleet_attempt_duration_seconds") {
		t.Error("Expected votefleet_attempt_duration_seconds metric")
	}
}

func TestObserveLaunchGateWait(t *testing.T) {
	ObserveLaunchGateWait(250 * time.Millisecond)

	body := scrape(t)
	if !strings.Contains(body, "votefleet_launch_gate_wait_seconds") {
		t.Error("Expected votefleet_launch_gate_wait_seconds metric")
	}
}

func TestUpdateFleet(t *testing.T) {
	UpdateFleet(2, 4, 1, true)

	body := scrape(t)
	if !strings.Contains(body, "votefleet_open_browsers 2") {
		t.Error("Expected open_browsers to be 2")
	}
	if !strings.Contains(body, "votefleet_paused_instances 4") {
		t.Error("Expected paused_instances to be 4")
	}
	if !strings.Contains(body, "votefleet_excluded_instances 1") {
		t.Error("Expected excluded_instances to be 1")
	}
	if !strings.Contains(body, "votefleet_global_limit_active 1") {
		t.Error("Expected global_limit_active to be 1")
	}

	UpdateFleet(0, 0, 0, false)
	body = scrape(t)
	if !strings.Contains(body, "votefleet_global_limit_active 0") {
		t.Error("Expected global_limit_active to clear")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	if !strings.Contains(body, "votefleet_memory_usage_bytes") {
		t.Error("Expected votefleet_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "votefleet_memory_sys_bytes") {
		t.Error("Expected votefleet_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "votefleet_goroutines") {
		t.Error("Expected votefleet_goroutines metric")
	}
}
