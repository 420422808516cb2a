package crostestutils

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/houstar/crostestutils/internal/storage"
)

// setUpRunImages creates target/base images, their VM sibling and a
// persisted payload cache covering the scenarios under test, and returns
// (target, base).
func setUpRunImages(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "target_image.bin")
	base := filepath.Join(dir, "base_image.bin")
	for _, path := range []string{target, base, filepath.Join(dir, VMImageName)} {
		if err := os.WriteFile(path, []byte("disk image bytes"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target, ForVM: true}: "update/au/target-full",
		{Target: base, ForVM: true}:   "update/au/base-full",
	})
	if err := SaveCache(CachePathForImage(target), cache); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}
	return target, base
}

func passingRunner() *stubRunner {
	return &stubRunner{respond: func(argv []string) (string, error) {
		if strings.HasSuffix(argv[0], "cros_run_vm_test") {
			return "Total PASS: 10/10 (100%)", nil
		}
		return "", nil
	}}
}

func TestTestRunExecuteSequential(t *testing.T) {
	target, base := setUpRunImages(t)
	resultsRoot := t.TempDir()
	run, err := NewTestRun(TestRunOptions{
		Kind:           WorkerVM,
		TargetImage:    target,
		BaseImage:      base,
		ResultsRoot:    resultsRoot,
		Runner:         passingRunner(),
		ScenarioFilter: []string{"SimpleUpdateAndVerify", "UpdateWipeStateful"},
	})
	if err != nil {
		t.Fatalf("NewTestRun: %v", err)
	}
	if err := run.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	runID := run.RunID()
	if err := run.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recorder, err := storage.OpenResultsRecorder(filepath.Join(resultsRoot, "results.db"))
	if err != nil {
		t.Fatalf("reopen results: %v", err)
	}
	defer recorder.Close()
	results, err := recorder.ResultsForRun(runID)
	if err != nil {
		t.Fatalf("ResultsForRun: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("%d results recorded, want 2", len(results))
	}
	for _, res := range results {
		if !res.Passed || res.Percent != 100 {
			t.Fatalf("scenario %s recorded as %+v", res.Scenario, res)
		}
	}
}

func TestTestRunFailingScenarioIsReported(t *testing.T) {
	target, base := setUpRunImages(t)
	runner := &stubRunner{respond: func(argv []string) (string, error) {
		if strings.HasSuffix(argv[0], "cros_run_vm_test") {
			return "Total PASS: 5/10 (50%)", nil
		}
		return "", nil
	}}
	run, err := NewTestRun(TestRunOptions{
		Kind:           WorkerVM,
		TargetImage:    target,
		BaseImage:      base,
		ResultsRoot:    t.TempDir(),
		Runner:         runner,
		ScenarioFilter: []string{"UpdateWipeStateful"},
	})
	if err != nil {
		t.Fatalf("NewTestRun: %v", err)
	}
	defer run.Close()
	err = run.Execute(context.Background())
	if err == nil || !strings.Contains(err.Error(), "UpdateWipeStateful") {
		t.Fatalf("expected the failing scenario to be named, got %v", err)
	}
}

func TestTestRunScenarioSelection(t *testing.T) {
	target, base := setUpRunImages(t)
	newRun := func(opts TestRunOptions) *TestRun {
		t.Helper()
		opts.Kind = WorkerVM
		opts.TargetImage = target
		opts.BaseImage = base
		opts.ResultsRoot = t.TempDir()
		opts.Runner = &stubRunner{}
		run, err := NewTestRun(opts)
		if err != nil {
			t.Fatalf("NewTestRun: %v", err)
		}
		t.Cleanup(func() { run.Close() })
		return run
	}

	quick := newRun(TestRunOptions{QuickTest: true})
	if got := quick.Scenarios(); len(got) != 1 || got[0].Name != "SimpleUpdateAndVerify" {
		t.Fatalf("quick test scenarios: %+v", names(got))
	}

	full := newRun(TestRunOptions{})
	for _, sc := range full.Scenarios() {
		if sc.Name == "SignedUpdate" {
			t.Fatal("SignedUpdate must not run without a signing key")
		}
	}

	signed := newRun(TestRunOptions{SigningKey: "key.pem"})
	found := false
	for _, sc := range signed.Scenarios() {
		if sc.Name == "SignedUpdate" {
			found = true
		}
	}
	if !found {
		t.Fatal("SignedUpdate missing despite a configured signing key")
	}

	filtered := newRun(TestRunOptions{ScenarioFilter: []string{"DelayedUpdate"}})
	if got := filtered.Scenarios(); len(got) != 1 || got[0].Name != "DelayedUpdate" {
		t.Fatalf("filtered scenarios: %+v", names(got))
	}
}

func names(scenarios []Scenario) []string {
	out := make([]string, len(scenarios))
	for i, sc := range scenarios {
		out[i] = sc.Name
	}
	return out
}

func TestTestRunValidation(t *testing.T) {
	if _, err := NewTestRun(TestRunOptions{Kind: WorkerVM}); err == nil {
		t.Fatal("missing target image must be rejected")
	}
	if _, err := NewTestRun(TestRunOptions{Kind: "toaster", TargetImage: "x.bin"}); err == nil {
		t.Fatal("unknown worker kind must be rejected")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)
	entries := map[UpdateID]string{}
	entries[UpdateID{Target: "target.bin"}] = "update/au/full"
	entries[UpdateID{Target: "target.bin", Base: "base.bin"}] = "update/au/delta"
	entries[UpdateID{Target: "target.bin", SigningKey: "key.pem", ForVM: true}] = "update/au/signed-vm"
	entries[UpdateID{Target: "target.bin", Base: "base.bin", SigningKey: "k.pem", ForVM: true}] = "update/au/everything"
	if err := SaveCache(path, NewUpdateCache(entries)); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}
	loaded, err := LoadCache(path)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if loaded.Len() != len(entries) {
		t.Fatalf("loaded %d entries, want %d", loaded.Len(), len(entries))
	}
	for id, want := range entries {
		got, err := loaded.Lookup(id)
		if err != nil {
			t.Fatalf("Lookup(%s) after round trip: %v", id.Key(), err)
		}
		if got != want {
			t.Fatalf("Lookup(%s) = %q, want %q", id.Key(), got, want)
		}
	}
}

func TestLoadCacheMissingFile(t *testing.T) {
	cache, err := LoadCache(filepath.Join(t.TempDir(), CacheFileName))
	if err != nil {
		t.Fatalf("LoadCache on a fresh path: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("fresh cache has %d entries", cache.Len())
	}
}
