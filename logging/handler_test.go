package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/p4ebpf/psactl/logging"
)

func TestFilteringByComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "warn,pipeline=debug",
		Output:  &buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Base level is warn: plain info is dropped.
	logger.Info("dropped")
	// Component override: pipeline logs at debug.
	logger.With("component", "pipeline").Debug("kept")
	// Other components stay at the base level.
	logger.With("component", "btfgraph").Debug("dropped too")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("output contains filtered records:\n%s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("output missing pipeline debug record:\n%s", out)
	}
}

func TestSpecPrecedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "error",
		EnvSpec: "debug",
		Output:  &buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// CLI spec wins over env spec.
	logger.Info("suppressed by cli spec")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got:\n%s", buf.String())
	}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"info", false},
		{"warn,pipeline=debug", false},
		{"pipeline=debug", false},
		{"debug,info", true},   // second bare level
		{"=debug", true},       // empty component
		{"info,x=loud", true},  // unknown level
		{"chatty", true},       // unknown base level
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := logging.ParseSpec(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSpec(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}
