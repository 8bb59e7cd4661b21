package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testModelYAML = `
brokers:
  - name: home
    kind: mqtt
    host: localhost
entities:
  - name: motion_detector
    type: sensor
    topic: bedroom.motion_detector
    broker: home
    attributes:
      - name: detected
        type: bool
automations:
  - name: motion_log
    condition:
      lhs: { attr: motion_detector.detected }
      cmp: "=="
      rhs: true
    actions:
      - entity: motion_detector
        attribute: detected
        value: false
`

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: smauto") {
		t.Errorf("usage not printed: %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("err = %v, want unknown flag", err)
	}
}

func TestRunGeneratorCommandsAreOutOfScope(t *testing.T) {
	for _, cmd := range []string{"graph", "gen", "genv"} {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, []string{cmd, "model.yaml"})
		if err == nil || !strings.Contains(err.Error(), "model compiler") {
			t.Errorf("%s: err = %v, want pointer to the model compiler", cmd, err)
		}
	}
}

func TestRunBadLogLevel(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-log-level", "loud", "version"})
	if err == nil {
		t.Error("expected error for bad log level")
	}
}

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "smauto") {
		t.Errorf("version output: %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version -o json produced invalid JSON: %v\n%s", err, out.String())
	}
	if _, ok := info["version"]; !ok {
		t.Errorf("json output missing version field: %v", info)
	}
}

func TestRunValidate(t *testing.T) {
	path := writeModel(t, testModelYAML)
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"validate", path}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "is valid") {
		t.Errorf("validate output: %q", out.String())
	}
}

func TestRunValidateJSON(t *testing.T) {
	path := writeModel(t, testModelYAML)
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o=json", "validate", path}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if summary["valid"] != true || summary["automations"] != float64(1) {
		t.Errorf("summary = %v", summary)
	}
}

func TestRunValidateAcceptsSystemClockReference(t *testing.T) {
	// The built-in clock entity need not be declared in the model.
	path := writeModel(t, strings.Replace(testModelYAML,
		"attr: motion_detector.detected", "attr: system_clock.time", 1))
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"validate", path}); err != nil {
		t.Fatalf("validate rejected a system_clock reference: %v", err)
	}
}

func TestRunValidateRejectsBrokenModel(t *testing.T) {
	path := writeModel(t, strings.Replace(testModelYAML, "broker: home", "broker: nowhere", 1))
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"validate", path})
	if err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestRunValidateMissingArgument(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"validate"}); err == nil {
		t.Error("validate without a model path should fail")
	}
}

func TestRunInterpretMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"interpret", "/nonexistent/model.yaml"})
	if err == nil {
		t.Error("interpret of a missing model should fail")
	}
}
