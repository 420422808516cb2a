package crostestutils

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeviceWorker updates and verifies a physical unit reachable over the
// network.
type DeviceWorker struct {
	workerBase
	remote string
}

// NewDeviceWorker builds a device worker. A remote address is required;
// there is nothing local to fall back to.
func NewDeviceWorker(cfg WorkerConfig) (*DeviceWorker, error) {
	if cfg.Remote == "" {
		return nil, errors.New("device worker requires a remote address")
	}
	return &DeviceWorker{workerBase: newWorkerBase(cfg), remote: cfg.Remote}, nil
}

// PrepareBase pushes the image (or its .signed sibling) onto the device
// through the known-good update path, so a broken path under test cannot
// poison the starting state.
func (w *DeviceWorker) PrepareBase(ctx context.Context, imagePath string, signed bool) (string, error) {
	if err := w.checkInitialized(); err != nil {
		return "", err
	}
	return w.prepareRealBase(ctx, w, imagePath, signed)
}

// UpdateImage applies an update to the device, resolving the payload
// through the cache.
func (w *DeviceWorker) UpdateImage(ctx context.Context, imagePath, srcImagePath string, stateful StatefulChange, proxyPort int, signingKey string) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	logDir, failDir, err := w.nextResultsPath("update")
	if err != nil {
		return err
	}
	src := w.deltaSource(srcImagePath)
	cmd := []string{
		w.tool("image_to_live.sh"),
		"--remote=" + w.remote,
		"--verify",
	}
	if flag := statefulChangeFlag(stateful); flag != "" {
		cmd = append(cmd, flag)
	}
	cmd, err = w.appendUpdateFlags(cmd, imagePath, src, proxyPort, signingKey, false)
	if err != nil {
		return err
	}
	log.Info().Str("scenario", w.scenario).Str("remote", w.remote).Msg(w.updateMessage(imagePath, src, false, proxyPort))
	return w.runUpdateCommand(ctx, cmd, logDir, failDir)
}

// UpdateUsingPayload applies a pregenerated payload directly, bypassing the
// cache.
func (w *DeviceWorker) UpdateUsingPayload(ctx context.Context, payloadPath string, stateful StatefulChange, proxyPort int) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	logDir, failDir, err := w.nextResultsPath("update")
	if err != nil {
		return err
	}
	cmd := []string{
		w.tool("image_to_live.sh"),
		"--payload=" + payloadPath,
		"--remote=" + w.remote,
		"--verify",
	}
	if flag := statefulChangeFlag(stateful); flag != "" {
		cmd = append(cmd, flag)
	}
	if proxyPort > 0 {
		cmd = append(cmd, "--proxy_port="+strconv.Itoa(proxyPort))
	}
	log.Info().Str("scenario", w.scenario).Str("remote", w.remote).Msg(w.updateMessage(payloadPath, "", false, proxyPort))
	return w.runUpdateCommand(ctx, cmd, logDir, failDir)
}

// VerifyImage runs the verification suite against the live device and
// returns the measured pass percentage.
func (w *DeviceWorker) VerifyImage(ctx context.Context, percentRequired int, suite string) (int, error) {
	if err := w.checkInitialized(); err != nil {
		return 0, err
	}
	logDir, failDir, err := w.nextResultsPath("verify")
	if err != nil {
		return 0, err
	}
	if suite == "" {
		suite = w.verifySuite
	}
	cmd := []string{
		w.tool("test_that"),
		"--board=" + w.board,
		"--results_dir=" + logDir,
		w.remote,
		suite,
	}
	log.Info().Str("scenario", w.scenario).Str("suite", suite).Str("remote", w.remote).Msg("running verification suite against device")
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

// CleanUp leaves the device as the last scenario left it; physical units
// are reimaged by the next run's PrepareBase, not torn down.
func (w *DeviceWorker) CleanUp(ctx context.Context) error {
	return nil
}
