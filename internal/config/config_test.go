package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spiped.yaml")
	yaml := "listen: \"0.0.0.0:9000\"\ntarget: \"10.0.0.1:22\"\ntimeout_seconds: 10\nrequire_pfs: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", f.Listen)
	}
	if f.Target != "10.0.0.1:22" {
		t.Errorf("Target = %q", f.Target)
	}
	if f.TimeoutSecs != 10 {
		t.Errorf("TimeoutSecs = %d", f.TimeoutSecs)
	}
	if !f.RequirePFS {
		t.Error("RequirePFS = false, want true")
	}
	if f.NoPFS {
		t.Error("NoPFS should default to false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/spiped.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
