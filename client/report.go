package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// EndpointLatency is one probed endpoint as shown in the report.
type EndpointLatency struct {
	Endpoint string  `json:"endpoint"`
	RTTMs    float64 `json:"rtt_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Report is the record of one submission cycle.
type Report struct {
	Mode      string `json:"mode"`
	NTPServer string `json:"ntp_server"`
	Timezone  string `json:"timezone"`
	DeviceID  string `json:"device_id"`

	// [1] Latency
	Endpoints       []EndpointLatency `json:"endpoints,omitempty"`
	LatencyMs       float64           `json:"latency_ms"`
	LatencyFallback bool              `json:"latency_fallback"`

	// [2] Scheduler & Timing, synthetic times in Timezone
	TargetSeconds float64   `json:"target_seconds"`
	TargetClamped bool      `json:"target_clamped"`
	TargetTime    time.Time `json:"target_time"`
	SentAt        time.Time `json:"sent_at"`
	ReturnedAt    time.Time `json:"returned_at"`

	// [3] Connection State
	Request *RequestResult `json:"request,omitempty"`

	// [4] Result
	Outcome     string `json:"outcome"`
	Code        int    `json:"code"`
	ApplyResult int    `json:"apply_result,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Drift is how late the request left relative to the target.
func (r Report) Drift() time.Duration { return r.SentAt.Sub(r.TargetTime) }

func (r Report) Succeeded() bool { return r.Outcome == string(OutcomeApproved) }

// PrintExecutionLog writes the human readable report.
func PrintExecutionLog(w io.Writer, r Report) {
	headerColor := color.New(color.FgHiCyan, color.Bold).SprintFunc()
	sectionColor := color.New(color.FgHiYellow).SprintFunc()
	labelColor := color.New(color.FgWhite).SprintFunc()
	valueColor := color.New(color.FgHiWhite).SprintFunc()
	successColor := color.New(color.FgGreen, color.Bold).SprintFunc()
	errorColor := color.New(color.FgRed, color.Bold).SprintFunc()
	warnColor := color.New(color.FgHiYellow).SprintFunc()

	section := func(title string) {
		fmt.Fprintln(w, "\n"+sectionColor("--------------------------------------------------"))
		fmt.Fprintln(w, sectionColor(title))
		fmt.Fprintln(w, sectionColor("--------------------------------------------------"))
	}
	line := func(label string, value interface{}) {
		fmt.Fprintf(w, "%-22s: %s\n", labelColor(label), value)
	}

	fmt.Fprintln(w, "\n"+headerColor("[Unlock Submission Log]"))
	line("Mode", valueColor(r.Mode))
	line("NTP Server", valueColor(r.NTPServer))
	line("Device ID", valueColor(r.DeviceID))

	section("[1] Latency")
	for _, e := range r.Endpoints {
		if e.Error != "" {
			line(e.Endpoint, errorColor("unreachable: "+e.Error))
			continue
		}
		line(e.Endpoint, valueColor(fmt.Sprintf("%.2f ms", e.RTTMs)))
	}
	latency := valueColor(fmt.Sprintf("%.2f ms", r.LatencyMs))
	if r.LatencyFallback {
		latency = warnColor(fmt.Sprintf("%.0f ms (default, no endpoint reachable)", r.LatencyMs))
	}
	line("Latency", latency)

	section("[2] Scheduler & Timing")
	target := fmt.Sprintf("%.3f s", r.TargetSeconds)
	if r.TargetClamped {
		target += " (clamped)"
	}
	line("Target Second", valueColor(target))
	line("Target Time", valueColor(r.TargetTime.Format("2006-01-02 15:04:05.000")+" ("+r.Timezone+")"))
	line("Sent At", valueColor(r.SentAt.Format("2006-01-02 15:04:05.000000")))
	line("Response At", valueColor(r.ReturnedAt.Format("2006-01-02 15:04:05.000000")))

	drift := r.Drift()
	driftColor := color.New(color.FgGreen).SprintfFunc()
	if drift > time.Millisecond || drift < -time.Millisecond {
		driftColor = color.New(color.FgRed).SprintfFunc()
	}
	sign := "+"
	if drift < 0 {
		sign = ""
	}
	line("Timing Drift", driftColor("%s%d µs", sign, drift.Microseconds()))

	if q := r.Request; q != nil {
		section("[3] Connection State")
		line("DNS Resolution", valueColor(fmt.Sprintf("%d ms", (q.DNSDone-q.DNSStart).Milliseconds())))
		line("TCP Connect", valueColor(fmt.Sprintf("%d ms", (q.ConnectDone-q.ConnectStart).Milliseconds())))
		line("Connection Reused", valueColor(fmt.Sprintf("%v", q.ConnectionReused)))
		line("Time To First Byte", valueColor(fmt.Sprintf("%d ms", q.GotFirstResponseByte.Milliseconds())))
		line("Total", valueColor(fmt.Sprintf("%d ms", q.TotalDuration.Milliseconds())))
		if q.StatusCode != 0 {
			line("HTTP", valueColor(fmt.Sprintf("%d %s", q.StatusCode, q.Protocol)))
		}
	}

	section("[4] Result")
	resColor := errorColor
	if r.Succeeded() {
		resColor = successColor
	}
	line("Outcome", resColor(strings.ToUpper(r.Outcome)))
	line("Response Code", valueColor(fmt.Sprintf("%d", r.Code)))
	if r.Deadline != "" {
		line("Try Again", valueColor(r.Deadline))
	}
	if r.Message != "" {
		line("Message", valueColor(r.Message))
	}
	if r.Error != "" {
		line("Error", errorColor(r.Error))
	}

	switch {
	case r.Succeeded():
		fmt.Fprintln(w, "\n"+successColor("Request approved!"))
	case r.Outcome == string(OutcomeLimitReached):
		fmt.Fprintln(w, "\n"+warnColor("Submission limit reached, try again "+r.Deadline))
	default:
		fmt.Fprintln(w, "\n"+errorColor("Submission not approved"))
	}
}

// WriteStructuredLog appends the report as a JSON line to filename.
func WriteStructuredLog(r Report, filename string) error {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}
