package telemetry

import (
	"context"
	"testing"
)

func TestNormalizeTraceMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		mode string
		want string
	}{
		{name: "off", mode: "off", want: traceModeOff},
		{name: "errors", mode: "errors", want: traceModeErrors},
		{name: "sampled", mode: "sampled", want: traceModeSampled},
		{name: "detailed", mode: "detailed", want: traceModeDetailed},
		{name: "empty_defaults_to_sampled", mode: "", want: traceModeSampled},
		{name: "mixed_case", mode: " Detailed ", want: traceModeDetailed},
		{name: "unknown_defaults_to_sampled", mode: "verbose", want: traceModeSampled},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeTraceMode(tc.mode); got != tc.want {
				t.Fatalf("normalizeTraceMode(%q) = %q, want %q", tc.mode, got, tc.want)
			}
		})
	}
}

func TestClampRatio(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{name: "negative", ratio: -0.5, want: 0},
		{name: "zero", ratio: 0, want: 0},
		{name: "in_range", ratio: 0.25, want: 0.25},
		{name: "above_one", ratio: 3, want: 1},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := clampRatio(tc.ratio); got != tc.want {
				t.Fatalf("clampRatio(%v) = %v, want %v", tc.ratio, got, tc.want)
			}
		})
	}
}

func TestSetupDisabledForcesOff(t *testing.T) {
	runtime, err := Setup(Config{Enabled: false, TraceMode: "detailed"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() {
		_ = runtime.Shutdown(context.Background())
	}()

	if got := TraceMode(); got != traceModeOff {
		t.Fatalf("TraceMode() = %q, want %q when telemetry is disabled", got, traceModeOff)
	}
	if ShouldTraceUpstream() {
		t.Fatal("ShouldTraceUpstream() = true, want false when disabled")
	}
}

func TestSetupDetailedEnablesUpstreamSpans(t *testing.T) {
	runtime, err := Setup(Config{Enabled: true, ServiceName: "crm-audit-test", TraceMode: "detailed"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() {
		_ = runtime.Shutdown(context.Background())
	}()

	if got := TraceMode(); got != traceModeDetailed {
		t.Fatalf("TraceMode() = %q, want %q", got, traceModeDetailed)
	}
	if !ShouldTraceUpstream() {
		t.Fatal("ShouldTraceUpstream() = false, want true in detailed mode")
	}
	if runtime.TracerProvider == nil {
		t.Fatal("Setup() returned nil tracer provider")
	}
}
