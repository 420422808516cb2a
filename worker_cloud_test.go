package crostestutils

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeCloud tracks which provider resources currently exist.
type fakeCloud struct {
	mu        sync.Mutex
	images    map[string]bool
	instances map[string]bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{images: map[string]bool{}, instances: map[string]bool{}}
}

func (f *fakeCloud) CreateImage(ctx context.Context, name, tarballURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name] = true
	return nil
}

func (f *fakeCloud) DeleteImage(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, name)
	return nil
}

func (f *fakeCloud) CreateInstance(ctx context.Context, name, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = true
	return nil
}

func (f *fakeCloud) DeleteInstance(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, name)
	return nil
}

func (f *fakeCloud) InstanceIP(ctx context.Context, name string) (string, error) {
	return "10.0.0.2", nil
}

func (f *fakeCloud) liveResources() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images) + len(f.instances)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string]bool{}} }

func (f *fakeStore) Upload(ctx context.Context, localPath, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectPath] = true
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objectPath)
	return nil
}

func (f *fakeStore) URL(objectPath string) string {
	return "https://storage.example.com/" + objectPath
}

func (f *fakeStore) liveObjects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newTestCloudWorker(t *testing.T, cloud CloudContext, store ObjectStore, runner CommandRunner) *CloudWorker {
	t.Helper()
	w, err := NewCloudWorker(WorkerConfig{
		Cache:       NewUpdateCache(nil),
		Runner:      runner,
		ResultsRoot: t.TempDir(),
		Scenario:    "TestScenario",
		Board:       "gce-board",
	}, cloud, store, []CloudTest{{Name: "smoke", Suite: DefaultVerifySuite}})
	if err != nil {
		t.Fatalf("NewCloudWorker: %v", err)
	}
	return w
}

func TestCloudWorkerCleanUpLeavesNothing(t *testing.T) {
	cloud := newFakeCloud()
	store := newFakeStore()
	runner := &stubRunner{}
	w := newTestCloudWorker(t, cloud, store, runner)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	image := filepath.Join(t.TempDir(), "target_image.bin")
	for i := 0; i < 3; i++ {
		if err := w.UpdateImage(context.Background(), image, "", StatefulOld, 0, ""); err != nil {
			t.Fatalf("UpdateImage %d: %v", i, err)
		}
	}
	// Two superseded generations are being torn down in the background.
	if got := w.BackgroundDeletions(); got != 2 {
		t.Fatalf("BackgroundDeletions() = %d, want 2", got)
	}

	if err := w.CleanUp(context.Background()); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if got := w.BackgroundDeletions(); got != 0 {
		t.Fatalf("BackgroundDeletions() = %d after CleanUp, want 0", got)
	}
	if cloud.liveResources() != 0 {
		t.Fatalf("%d provider resources leaked", cloud.liveResources())
	}
	if store.liveObjects() != 0 {
		t.Fatalf("%d store objects leaked", store.liveObjects())
	}
}

func TestCloudWorkerVerifyAgainstInstance(t *testing.T) {
	cloud := newFakeCloud()
	store := newFakeStore()
	runner := &stubRunner{respond: func(argv []string) (string, error) {
		if strings.HasSuffix(argv[0], "test_that") {
			return "Total PASS: 10/10 (100%)", nil
		}
		return "", nil
	}}
	w := newTestCloudWorker(t, cloud, store, runner)
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	image := filepath.Join(t.TempDir(), "target_image.bin")
	if err := w.UpdateImage(context.Background(), image, "", StatefulOld, 0, ""); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	percent, err := w.VerifyImage(context.Background(), 100, "")
	if err != nil {
		t.Fatalf("VerifyImage: %v", err)
	}
	if percent != 100 {
		t.Fatalf("percent = %d", percent)
	}
	verify := runner.lastCall()
	if !hasArg(verify, "10.0.0.2") {
		t.Fatalf("verification must target the instance address: %v", verify)
	}
	if err := w.CleanUp(context.Background()); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
}

func TestCloudWorkerVerifyWithoutInstance(t *testing.T) {
	w := newTestCloudWorker(t, newFakeCloud(), newFakeStore(), &stubRunner{})
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := w.VerifyImage(context.Background(), 100, ""); err == nil {
		t.Fatal("verify before any update must fail")
	}
}

func TestCloudWorkerRejectsPayloadUpdates(t *testing.T) {
	w := newTestCloudWorker(t, newFakeCloud(), newFakeStore(), &stubRunner{})
	if err := w.Initialize(9222); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.UpdateUsingPayload(context.Background(), "payload.gz", StatefulOld, 0); err == nil {
		t.Fatal("cloud worker must reject direct payload updates")
	}
}
