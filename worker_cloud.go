package crostestutils

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// CloudContext is the boundary to the compute provider. The default
// implementation drives the gcloud binary; tests substitute a fake.
type CloudContext interface {
	CreateImage(ctx context.Context, name, tarballURL string) error
	DeleteImage(ctx context.Context, name string) error
	CreateInstance(ctx context.Context, name, image string) error
	DeleteInstance(ctx context.Context, name string) error
	InstanceIP(ctx context.Context, name string) (string, error)
}

// ObjectStore is the boundary to the bucket holding image tarballs. The
// default implementation drives the gsutil binary.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, objectPath string) error
	Delete(ctx context.Context, objectPath string) error
	URL(objectPath string) string
}

// CloudTest is one verification suite to run against a cloud instance.
// Per-board test lists come from the harness config file.
type CloudTest struct {
	Name  string `toml:"name"`
	Suite string `toml:"suite"`
}

// cloudResources is one generation of provider-side state. A new set is
// created on every update; the previous set is deleted in the background.
type cloudResources struct {
	tarball  string
	image    string
	instance string
}

func (r cloudResources) empty() bool {
	return r.tarball == "" && r.image == "" && r.instance == ""
}

// CloudWorker updates and verifies images by booting them as fresh cloud
// instances. There is no in-place update path on the provider, so every
// update is a full resource replacement.
type CloudWorker struct {
	workerBase
	cloud CloudContext
	store ObjectStore
	tests []CloudTest

	current cloudResources

	mu        sync.Mutex
	deletions []chan error
}

// NewCloudWorker builds a cloud worker around the given provider and store
// boundaries.
func NewCloudWorker(cfg WorkerConfig, cloud CloudContext, store ObjectStore, tests []CloudTest) (*CloudWorker, error) {
	if cloud == nil || store == nil {
		return nil, errors.New("cloud worker requires a cloud context and an object store")
	}
	if len(tests) == 0 {
		tests = []CloudTest{{Name: "default", Suite: DefaultVerifySuite}}
	}
	return &CloudWorker{
		workerBase: newWorkerBase(cfg),
		cloud:      cloud,
		store:      store,
		tests:      tests,
	}, nil
}

// PrepareBase boots the base image as the first instance generation.
func (w *CloudWorker) PrepareBase(ctx context.Context, imagePath string, signed bool) (string, error) {
	if err := w.checkInitialized(); err != nil {
		return "", err
	}
	path := imagePath
	if signed {
		path = imagePath + ".signed"
	}
	if err := w.UpdateImage(ctx, path, "", StatefulOld, 0, ""); err != nil {
		return "", err
	}
	return path, nil
}

// UpdateImage replaces the whole resource generation: the image is packed
// into a tarball, uploaded, turned into a provider image and booted as a
// fresh instance. The previous generation is deleted in the background so
// the scenario never waits on teardown.
func (w *CloudWorker) UpdateImage(ctx context.Context, imagePath, srcImagePath string, stateful StatefulChange, proxyPort int, signingKey string) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	logDir, failDir, err := w.nextResultsPath("update")
	if err != nil {
		return err
	}
	log.Info().Str("scenario", w.scenario).Msg(w.updateMessage(imagePath, "", false, proxyPort))

	stamp := fmt.Sprintf("%s-%d-%d", time.Now().UTC().Format("20060102-150405"), w.sshPort, w.resultsCount)
	next := cloudResources{
		tarball:  fmt.Sprintf("tarballs/%s/%s.tar.gz", stamp, strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))),
		image:    "test-image-" + stamp,
		instance: "test-instance-" + stamp,
	}

	tarball := filepath.Join(logDir, "image.tar.gz")
	if _, err := w.runner.Run(ctx, []string{
		"tar", "czf", tarball, "-C", filepath.Dir(imagePath), filepath.Base(imagePath),
	}, RunOptions{LogPath: filepath.Join(logDir, "tar.log")}); err != nil {
		w.captureFailure(logDir, failDir, imagePath, signingKey)
		return errors.Wrap(err, "pack image tarball")
	}
	if err := w.store.Upload(ctx, tarball, next.tarball); err != nil {
		w.captureFailure(logDir, failDir, tarball)
		return errors.Wrap(err, "upload image tarball")
	}
	if err := w.cloud.CreateImage(ctx, next.image, w.store.URL(next.tarball)); err != nil {
		w.captureFailure(logDir, failDir, tarball)
		return errors.Wrapf(err, "create image %s", next.image)
	}
	if err := w.cloud.CreateInstance(ctx, next.instance, next.image); err != nil {
		w.captureFailure(logDir, failDir, tarball)
		return errors.Wrapf(err, "create instance %s", next.instance)
	}

	w.deleteInBackground(w.current)
	w.current = next
	return nil
}

// UpdateUsingPayload is not meaningful for cloud targets: there is no
// update engine to feed a payload to, only full instance replacement.
func (w *CloudWorker) UpdateUsingPayload(ctx context.Context, payloadPath string, stateful StatefulChange, proxyPort int) error {
	return errors.New("cloud worker does not support payload updates")
}

// VerifyImage runs every configured cloud test against its own instance in
// parallel and returns the lowest measured pass percentage.
func (w *CloudWorker) VerifyImage(ctx context.Context, percentRequired int, suite string) (int, error) {
	if err := w.checkInitialized(); err != nil {
		return 0, err
	}
	if w.current.instance == "" {
		return 0, errors.New("no live instance to verify")
	}
	logDir, failDir, err := w.nextResultsPath("verify")
	if err != nil {
		return 0, err
	}
	if suite != "" {
		return w.verifyOne(ctx, CloudTest{Name: "explicit", Suite: suite}, w.current.instance, logDir, failDir, percentRequired)
	}

	percents := make([]int, len(w.tests))
	g, gctx := errgroup.WithContext(ctx)
	for i, test := range w.tests {
		i, test := i, test
		instance := w.current.instance
		// Tests beyond the first get a throwaway clone of the live
		// instance so suites cannot interfere with each other.
		if i > 0 {
			instance = fmt.Sprintf("%s-%s", w.current.instance, test.Name)
			if err := w.cloud.CreateInstance(gctx, instance, w.current.image); err != nil {
				return 0, errors.Wrapf(err, "create instance for test %s", test.Name)
			}
			clone := instance
			defer w.deleteInBackground(cloudResources{instance: clone})
		}
		g.Go(func() error {
			percent, err := w.verifyOne(gctx, test, instance, filepath.Join(logDir, test.Name), failDir, percentRequired)
			if err != nil {
				return err
			}
			percents[i] = percent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	lowest := percents[0]
	for _, p := range percents[1:] {
		if p < lowest {
			lowest = p
		}
	}
	return lowest, nil
}

func (w *CloudWorker) verifyOne(ctx context.Context, test CloudTest, instance, logDir, failDir string, percentRequired int) (int, error) {
	ip, err := w.cloud.InstanceIP(ctx, instance)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve instance %s", instance)
	}
	cmd := []string{
		w.tool("test_that"),
		"--board=" + w.board,
		"--results_dir=" + logDir,
		ip,
		test.Suite,
	}
	log.Info().Str("scenario", w.scenario).Str("test", test.Name).Str("instance", instance).Msg("running verification suite against instance")
	output, runErr := w.runner.Run(ctx, cmd, RunOptions{LogPath: filepath.Join(logDir, "verify.log")})
	percent, parseErr := w.assertEnoughTestsPassed(output, percentRequired)
	if parseErr != nil {
		if runErr != nil {
			w.captureFailure(logDir, failDir)
		}
		return 0, parseErr
	}
	return percent, nil
}

// deleteInBackground tears down one resource generation without blocking
// the caller. Failures are logged, never raised: a leaked old generation
// must not fail the scenario that already moved past it. The handle is
// joined in CleanUp.
func (w *CloudWorker) deleteInBackground(res cloudResources) {
	if res.empty() {
		return
	}
	done := make(chan error, 1)
	w.mu.Lock()
	w.deletions = append(w.deletions, done)
	w.mu.Unlock()
	go func() {
		done <- w.deleteResources(context.Background(), res)
	}()
}

// deleteResources removes one generation's instance, image and tarball in
// parallel.
func (w *CloudWorker) deleteResources(ctx context.Context, res cloudResources) error {
	g, gctx := errgroup.WithContext(ctx)
	if res.instance != "" {
		g.Go(func() error { return w.cloud.DeleteInstance(gctx, res.instance) })
	}
	if res.image != "" {
		g.Go(func() error { return w.cloud.DeleteImage(gctx, res.image) })
	}
	if res.tarball != "" {
		g.Go(func() error { return w.store.Delete(gctx, res.tarball) })
	}
	return g.Wait()
}

// BackgroundDeletions reports how many fire-and-forget deletions have not
// been joined yet. Zero after CleanUp.
func (w *CloudWorker) BackgroundDeletions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deletions)
}

// CleanUp joins every background deletion, then synchronously deletes the
// live resource generation. After it returns no provider-side resource and
// no outstanding deletion handle remains.
func (w *CloudWorker) CleanUp(ctx context.Context) error {
	w.mu.Lock()
	pending := w.deletions
	w.deletions = nil
	w.mu.Unlock()
	for _, done := range pending {
		if err := <-done; err != nil {
			log.Warn().Err(err).Msg("background resource deletion failed")
		}
	}
	if w.current.empty() {
		return nil
	}
	err := w.deleteResources(ctx, w.current)
	w.current = cloudResources{}
	if err != nil {
		return errors.Wrap(err, "delete live cloud resources")
	}
	return nil
}
