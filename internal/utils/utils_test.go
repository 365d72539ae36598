package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		limit   int
		seconds int
		wantErr bool
	}{
		{"30/60s", 30, 60, false},
		{"10/1m", 10, 60, false},
		{"100/2h", 100, 7200, false},
		{"30", 0, 0, true},
		{"x/60s", 0, 0, true},
		{"30/s", 0, 0, true},
		{"30/60d", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			limit, seconds, err := ParseRate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRate(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && (limit != tt.limit || seconds != tt.seconds) {
				t.Errorf("ParseRate(%q) = %d, %d; want %d, %d", tt.in, limit, seconds, tt.limit, tt.seconds)
			}
		})
	}
}

func TestLogxManagerWritesLevelFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	lg := m.Logger()
	lg.Info("hello info")
	lg.Error("hello error")
	lg.Debug("hello debug")
	_ = lg.Sync()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	for file, want := range map[string]string{
		"info.log":  "hello info",
		"error.log": "hello error",
		"debug.log": "hello debug",
	} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("%s missing %q: %s", file, want, data)
		}
	}
}

func TestNewManagerRejectsBadLevel(t *testing.T) {
	if _, err := NewManager("", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
