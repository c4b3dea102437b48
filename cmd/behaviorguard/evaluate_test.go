package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDecodeStudentData(t *testing.T) {
	batch, err := decodeStudentData([]byte(`{"student_id":"s1","emotions":[{"emotion":"calm","intensity":2,"timestamp":"2024-03-04T08:00:00Z"}]}`))
	if err != nil {
		t.Fatalf("decode object: %v", err)
	}
	if len(batch) != 1 || batch[0].StudentID != "s1" || len(batch[0].Emotions) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	batch, err = decodeStudentData([]byte(` [{"student_id":"s1"},{"student_id":"s2"}]`))
	if err != nil {
		t.Fatalf("decode array: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 students, got %d", len(batch))
	}

	if _, err := decodeStudentData([]byte(`{"emotions":[]}`)); err == nil {
		t.Fatalf("expected missing student id to fail")
	}
	if _, err := decodeStudentData([]byte("  ")); err == nil {
		t.Fatalf("expected empty input to fail")
	}
}

func TestValidateSettingsCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := "timezone: Europe/Berlin\nquiet_hours:\n  enabled: true\n  start: \"21:00\"\n  end: \"06:30\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-settings", "--input", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var resp struct {
		Settings struct {
			Timezone string `json:"timezone"`
		} `json:"settings"`
		Errors []any `json:"errors"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if resp.Settings.Timezone != "Europe/Berlin" || len(resp.Errors) != 0 {
		t.Fatalf("unexpected output %+v", resp)
	}
}

func TestValidateSettingsCommandReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"quiet_hours":{"enabled":true,"start":"25:00","end":"07:00"}}`), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate-settings", "--input", path})
	err := cmd.Execute()
	if err == nil {
		t.Fatalf("expected an error for invalid settings")
	}
	if !strings.Contains(out.String(), "quiet_hours.start") {
		t.Fatalf("expected quiet_hours.start in output, got %s", out.String())
	}
}

func TestEvaluateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	data := `{"student_id":"s1","tracking":[{"id":"e1","student_id":"s1","timestamp":"2024-03-04T08:00:00Z","emotions":[{"emotion":"calm","intensity":2}]}]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write data: %v", err)
	}
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"evaluate", "--input", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var resp []map[string]any
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if len(resp) != 1 || resp[0]["student_id"] != "s1" {
		t.Fatalf("unexpected output %v", resp)
	}
}
