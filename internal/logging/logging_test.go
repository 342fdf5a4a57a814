package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"defaults", "", "", false},
		{"console", "debug", "console", false},
		{"json", "warn", "json", false},
		{"bad format", "info", "xml", true},
		{"bad level", "loud", "json", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && log == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNew_Level(t *testing.T) {
	log, err := New("warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at warn level")
	}
	if !log.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn disabled at warn level")
	}
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, zapcore.InfoLevel)

	log.Debug("hidden")
	log.Info("powering on instance", zap.String("instance_id", "vm-a"), zap.String("step", "power-on"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output is not a single JSON line: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "powering on instance" || entry["instance_id"] != "vm-a" || entry["step"] != "power-on" {
		t.Errorf("entry = %v", entry)
	}
}
