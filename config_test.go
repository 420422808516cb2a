package crostestutils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHarnessConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.toml")
	content := `
board = "x86-generic"
tools_dir = "/opt/au-tools"
delta_updates = true

[gce]
project = "au-testing"
zone = "us-central1-a"
bucket = "au-test-images"

[cloud_tests]
default = [{ name = "smoke", suite = "suite_Smoke" }]
"gce-board" = [
  { name = "smoke", suite = "suite_Smoke" },
  { name = "storage", suite = "suite_Storage" },
]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadHarnessConfig(path)
	if err != nil {
		t.Fatalf("LoadHarnessConfig: %v", err)
	}
	if cfg.Board != "x86-generic" || cfg.ToolsDir != "/opt/au-tools" || !cfg.DeltaUpdates {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.GCE.Project != "au-testing" || cfg.GCE.Bucket != "au-test-images" {
		t.Fatalf("unexpected gce settings %+v", cfg.GCE)
	}
	if tests := cfg.TestsForBoard("gce-board"); len(tests) != 2 || tests[1].Suite != "suite_Storage" {
		t.Fatalf("board tests %+v", tests)
	}
	if tests := cfg.TestsForBoard("unknown-board"); len(tests) != 1 || tests[0].Name != "smoke" {
		t.Fatalf("default tests %+v", tests)
	}
}

func TestLoadHarnessConfigMissingFile(t *testing.T) {
	cfg, err := LoadHarnessConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing config must not be an error: %v", err)
	}
	if cfg.Board != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}
