package crostestutils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// stubRunner records every invocation and answers with the configured
// responder.
type stubRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(argv []string) (string, error)
}

func (s *stubRunner) Run(ctx context.Context, argv []string, opts RunOptions) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string{}, argv...))
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(argv)
	}
	return "", nil
}

func (s *stubRunner) lastCall() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func hasArg(argv []string, want string) bool {
	for _, arg := range argv {
		if arg == want {
			return true
		}
	}
	return false
}

// writeFakeImages creates a base image and its VM-converted sibling in a
// temp dir and returns the base path.
func writeFakeImages(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "base_image.bin")
	for _, path := range []string{base, filepath.Join(dir, VMImageName)} {
		if err := os.WriteFile(path, []byte("disk image bytes"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return base
}

func newTestVMWorker(t *testing.T, cache *UpdateCache, runner CommandRunner, delta bool) *VMWorker {
	t.Helper()
	w, err := NewVMWorker(WorkerConfig{
		Cache:        cache,
		Runner:       runner,
		ResultsRoot:  t.TempDir(),
		Scenario:     "TestScenario",
		Board:        "x86-generic",
		DeltaUpdates: delta,
	})
	if err != nil {
		t.Fatalf("NewVMWorker: %v", err)
	}
	return w
}

func TestWorkerLifecycleGuard(t *testing.T) {
	w := newTestVMWorker(t, NewUpdateCache(nil), &stubRunner{}, false)
	if err := w.UpdateImage(context.Background(), "target.bin", "", StatefulOld, 0, ""); err == nil {
		t.Fatal("UpdateImage before Initialize must fail")
	}
	if _, err := w.PrepareBase(context.Background(), "target.bin", false); err == nil {
		t.Fatal("PrepareBase before Initialize must fail")
	}
	if err := w.Initialize(0); err == nil {
		t.Fatal("Initialize with a non-positive port must fail")
	}
}

func TestVMWorkerPrepareBaseMakesPrivateCopy(t *testing.T) {
	base := writeFakeImages(t)
	w := newTestVMWorker(t, NewUpdateCache(nil), &stubRunner{}, false)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	private, err := w.PrepareBase(context.Background(), base, false)
	if err != nil {
		t.Fatalf("PrepareBase: %v", err)
	}
	shared := filepath.Join(filepath.Dir(base), VMImageName)
	if private == shared {
		t.Fatal("worker must not boot the shared VM image directly")
	}
	if _, err := os.Stat(private); err != nil {
		t.Fatalf("private copy missing: %v", err)
	}
}

func TestVMWorkerUpdateArgv(t *testing.T) {
	base := writeFakeImages(t)
	target := filepath.Join(filepath.Dir(base), "target_image.bin")
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target, ForVM: true}: "update/au/full",
	})
	runner := &stubRunner{}
	w := newTestVMWorker(t, cache, runner, false)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := w.PrepareBase(context.Background(), base, false); err != nil {
		t.Fatalf("PrepareBase: %v", err)
	}
	if err := w.UpdateImage(context.Background(), target, "", StatefulOld, 0, ""); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	argv := runner.lastCall()
	if len(argv) == 0 || !strings.HasSuffix(argv[0], "cros_run_vm_update") {
		t.Fatalf("unexpected tool invocation %v", argv)
	}
	if !hasArg(argv, "--ssh_port=9222") {
		t.Fatalf("missing ssh port flag in %v", argv)
	}
	if !hasArg(argv, "--update_url=http://127.0.0.1:8080/update/au/full") {
		t.Fatalf("missing or wrong update url in %v", argv)
	}
	if !hasArg(argv, "--stateful_update_flag=old") {
		t.Fatalf("missing stateful flag in %v", argv)
	}
	for _, arg := range argv {
		if strings.HasPrefix(arg, "--proxy_port") {
			t.Fatalf("proxy flag present without a proxy: %v", argv)
		}
	}
}

func TestVMWorkerProxyPortRoutesURL(t *testing.T) {
	base := writeFakeImages(t)
	target := filepath.Join(filepath.Dir(base), "target_image.bin")
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target, ForVM: true}: "update/au/full",
	})
	runner := &stubRunner{}
	w := newTestVMWorker(t, cache, runner, false)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := w.PrepareBase(context.Background(), base, false); err != nil {
		t.Fatalf("PrepareBase: %v", err)
	}
	if err := w.UpdateImage(context.Background(), target, "", StatefulOld, 9223, ""); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	argv := runner.lastCall()
	if !hasArg(argv, "--proxy_port=9223") {
		t.Fatalf("missing proxy flag in %v", argv)
	}
	if !hasArg(argv, "--update_url=http://127.0.0.1:9223/update/au/full") {
		t.Fatalf("update url must route through the proxy: %v", argv)
	}
}

func TestVMWorkerFirstUpdateUsesPreparedBase(t *testing.T) {
	base := writeFakeImages(t)
	target := filepath.Join(filepath.Dir(base), "target_image.bin")
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target, Base: base, ForVM: true}: "update/au/delta",
	})
	runner := &stubRunner{}
	w := newTestVMWorker(t, cache, runner, true)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := w.PrepareBase(context.Background(), base, false); err != nil {
		t.Fatalf("PrepareBase: %v", err)
	}
	// The scenario nominally deltas from the target, but the freshly
	// prepared disk holds the base; the first update must source from it.
	if err := w.UpdateImage(context.Background(), target, target, StatefulOld, 0, ""); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	if !hasArg(runner.lastCall(), "--update_url=http://127.0.0.1:8080/update/au/delta") {
		t.Fatalf("first update did not resolve the prepared-base delta: %v", runner.lastCall())
	}
}

func TestVMWorkerUpdateFailureKeepsToolOutput(t *testing.T) {
	base := writeFakeImages(t)
	target := filepath.Join(filepath.Dir(base), "target_image.bin")
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target, ForVM: true}: "update/au/full",
	})
	runner := &stubRunner{respond: func(argv []string) (string, error) {
		return "update_engine error: payload hash mismatch", errors.New("exit status 1")
	}}
	w := newTestVMWorker(t, cache, runner, false)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := w.PrepareBase(context.Background(), base, false); err != nil {
		t.Fatalf("PrepareBase: %v", err)
	}
	err := w.UpdateImage(context.Background(), target, "", StatefulOld, 0, "")
	var failure *UpdateFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *UpdateFailure, got %v", err)
	}
	if !strings.Contains(failure.Output, "payload hash mismatch") {
		t.Fatalf("tool output not preserved verbatim: %q", failure.Output)
	}
	if err := ExpectUpdateFailure(err, "payload hash mismatch"); err != nil {
		t.Fatalf("ExpectUpdateFailure: %v", err)
	}
	if err := ExpectUpdateFailure(err, "a different failure"); err == nil {
		t.Fatal("ExpectUpdateFailure must reject a non-matching substring")
	}
}

func TestVMWorkerVerifyReturnsMeasuredPercent(t *testing.T) {
	runner := &stubRunner{respond: func(argv []string) (string, error) {
		return "Total PASS: 9/10 (90%)", nil
	}}
	w := newTestVMWorker(t, NewUpdateCache(nil), runner, false)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	percent, err := w.VerifyImage(context.Background(), 100, "")
	if err != nil {
		t.Fatalf("VerifyImage: %v", err)
	}
	// The threshold policy belongs to the caller; the worker reports what
	// it measured.
	if percent != 90 {
		t.Fatalf("percent = %d, want 90", percent)
	}
	if !hasArg(runner.lastCall(), DefaultVerifySuite) {
		t.Fatalf("default suite not passed to the runner: %v", runner.lastCall())
	}
}

func TestDeviceWorkerArgv(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target_image.bin")
	cache := NewUpdateCache(map[UpdateID]string{
		{Target: target}: "update/au/full",
	})
	runner := &stubRunner{}
	w, err := NewDeviceWorker(WorkerConfig{
		Cache:       cache,
		Runner:      runner,
		ResultsRoot: t.TempDir(),
		Scenario:    "TestScenario",
		Board:       "x86-generic",
		Remote:      "192.168.1.42",
	})
	if err != nil {
		t.Fatalf("NewDeviceWorker: %v", err)
	}
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.UpdateImage(context.Background(), target, "", StatefulClean, 0, ""); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	argv := runner.lastCall()
	if !strings.HasSuffix(argv[0], "image_to_live.sh") {
		t.Fatalf("unexpected tool invocation %v", argv)
	}
	if !hasArg(argv, "--remote=192.168.1.42") || !hasArg(argv, "--verify") {
		t.Fatalf("missing remote flags in %v", argv)
	}
	if !hasArg(argv, "--stateful_update_flag=clean") {
		t.Fatalf("missing stateful wipe flag in %v", argv)
	}

	runner.respond = func(argv []string) (string, error) {
		return "Total PASS: 10/10 (100%)", nil
	}
	percent, err := w.VerifyImage(context.Background(), 100, "suite_Custom")
	if err != nil {
		t.Fatalf("VerifyImage: %v", err)
	}
	if percent != 100 {
		t.Fatalf("percent = %d", percent)
	}
	verify := runner.lastCall()
	if !strings.HasSuffix(verify[0], "test_that") || !hasArg(verify, "suite_Custom") {
		t.Fatalf("unexpected verify invocation %v", verify)
	}
}

func TestDeviceWorkerRequiresRemote(t *testing.T) {
	_, err := NewDeviceWorker(WorkerConfig{Runner: &stubRunner{}})
	if err == nil {
		t.Fatal("device worker without a remote must be rejected")
	}
}
