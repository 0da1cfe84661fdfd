package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func sampleReport() Report {
	target := time.Date(2026, 3, 10, 23, 59, 59, 91_000_000, time.FixedZone("CST", 8*3600))
	return Report{
		Mode:          "auto",
		NTPServer:     "ntp.aliyun.com",
		Timezone:      "Asia/Shanghai",
		DeviceID:      "ABCDEF",
		Endpoints:     []EndpointLatency{{Endpoint: "a", RTTMs: 166}, {Endpoint: "b", Error: "timeout"}},
		LatencyMs:     166,
		TargetSeconds: 59.091,
		TargetTime:    target,
		SentAt:        target.Add(250 * time.Microsecond),
		ReturnedAt:    target.Add(180 * time.Millisecond),
		Outcome:       string(OutcomeApproved),
		ApplyResult:   1,
	}
}

func TestPrintExecutionLog(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	PrintExecutionLog(&buf, sampleReport())
	out := buf.String()

	for _, want := range []string{"ntp.aliyun.com", "166.00 ms", "59.091 s", "+250 µs", "APPROVED", "Request approved!", "unreachable: timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintExecutionLog_Fallback(t *testing.T) {
	color.NoColor = true
	r := sampleReport()
	r.LatencyMs, r.LatencyFallback = 300, true
	r.Outcome, r.Deadline = string(OutcomeLimitReached), "03/12"
	var buf bytes.Buffer
	PrintExecutionLog(&buf, r)
	out := buf.String()
	if !strings.Contains(out, "300 ms (default, no endpoint reachable)") {
		t.Errorf("fallback not shown:\n%s", out)
	}
	if !strings.Contains(out, "try again 03/12") {
		t.Errorf("limit not shown:\n%s", out)
	}
}

func TestWriteStructuredLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submissions.jsonl")
	for i := 0; i < 2; i++ {
		if err := WriteStructuredLog(sampleReport(), path); err != nil {
			t.Fatal(err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if m["outcome"] != "approved" || m["device_id"] != "ABCDEF" {
			t.Errorf("line %d: %v", lines, m)
		}
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestNewDeviceID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9A-F]{40}$`)
	a, err := NewDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewDeviceID()
	if !re.MatchString(a) {
		t.Errorf("device id %q is not 40 upper-case hex chars", a)
	}
	if a == b {
		t.Error("device ids repeat")
	}
}
