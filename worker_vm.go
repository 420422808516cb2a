package crostestutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// VMWorker updates and verifies images booted under a local hypervisor.
type VMWorker struct {
	workerBase
	graphicsFlag string
}

// NewVMWorker builds a VM worker. A board is required to locate the
// VM-converted sibling of the base image.
func NewVMWorker(cfg WorkerConfig) (*VMWorker, error) {
	if cfg.Board == "" {
		return nil, errors.New("vm worker requires a board to convert the base image")
	}
	w := &VMWorker{workerBase: newWorkerBase(cfg)}
	if cfg.NoGraphics {
		w.graphicsFlag = "--no_graphics"
	}
	return w, nil
}

// PrepareBase points the session at the VM-converted sibling of imagePath
// and makes a private per-session copy of it, so parallel VM workers cannot
// interfere through a shared disk image. The first delta update after this
// must treat the prepared base as its source regardless of what the
// scenario nominally passes, tracked by the firstUpdate flag.
func (w *VMWorker) PrepareBase(ctx context.Context, imagePath string, signed bool) (string, error) {
	if err := w.checkInitialized(); err != nil {
		return "", err
	}
	base := imagePath
	shared := filepath.Join(filepath.Dir(imagePath), VMImageName)
	if signed {
		base += ".signed"
		shared += ".signed"
	}
	private := filepath.Join(w.resultsDir, fmt.Sprintf("vm_disk.%d%s", w.sshPort, filepath.Ext(shared)))
	if err := os.MkdirAll(w.resultsDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create vm session directory")
	}
	if err := copyFile(shared, private); err != nil {
		return "", errors.Wrapf(err, "copy vm image %s", shared)
	}
	w.firstUpdate = true
	w.preparedBase = base
	w.vmImagePath = private
	log.Info().Str("vm_image", private).Msg("prepared private vm image")
	return private, nil
}

// UpdateImage applies an update to the running VM via the VM update tool,
// resolving the payload through the cache (VM payloads are keyed ForVM).
func (w *VMWorker) UpdateImage(ctx context.Context, imagePath, srcImagePath string, stateful StatefulChange, proxyPort int, signingKey string) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	logDir, failDir, err := w.nextResultsPath("update")
	if err != nil {
		return err
	}
	src := w.deltaSource(srcImagePath)
	if src != "" && w.firstUpdate {
		// The disk of a freshly prepared VM holds the prepared base, so the
		// first delta must come from it no matter what the scenario passed.
		src = w.preparedBase
		w.firstUpdate = false
	}
	cmd := []string{
		w.tool("cros_run_vm_update"),
		"--vm_image_path=" + w.vmImagePath,
		"--update_log=" + filepath.Join(logDir, "update_engine.log"),
		"--snapshot",
		"--persist",
		"--kvm_pid=" + w.kvmPidFile,
		"--ssh_port=" + strconv.Itoa(w.sshPort),
	}
	if w.graphicsFlag != "" {
		cmd = append(cmd, w.graphicsFlag)
	}
	if flag := statefulChangeFlag(stateful); flag != "" {
		cmd = append(cmd, flag)
	}
	cmd, err = w.appendUpdateFlags(cmd, imagePath, src, proxyPort, signingKey, true)
	if err != nil {
		return err
	}
	log.Info().Str("scenario", w.scenario).Msg(w.updateMessage(imagePath, src, true, proxyPort))
	return w.runUpdateCommand(ctx, cmd, logDir, failDir, w.vmImagePath, signingKey)
}

// UpdateUsingPayload applies a pregenerated (possibly deliberately broken)
// payload directly, bypassing the cache.
func (w *VMWorker) UpdateUsingPayload(ctx context.Context, payloadPath string, stateful StatefulChange, proxyPort int) error {
	if err := w.checkInitialized(); err != nil {
		return err
	}
	logDir, failDir, err := w.nextResultsPath("update")
	if err != nil {
		return err
	}
	cmd := []string{
		w.tool("cros_run_vm_update"),
		"--payload=" + payloadPath,
		"--vm_image_path=" + w.vmImagePath,
		"--update_log=" + filepath.Join(logDir, "update_engine.log"),
		"--snapshot",
		"--persist",
		"--kvm_pid=" + w.kvmPidFile,
		"--ssh_port=" + strconv.Itoa(w.sshPort),
	}
	if w.graphicsFlag != "" {
		cmd = append(cmd, w.graphicsFlag)
	}
	if flag := statefulChangeFlag(stateful); flag != "" {
		cmd = append(cmd, flag)
	}
	if proxyPort > 0 {
		cmd = append(cmd, "--proxy_port="+strconv.Itoa(proxyPort))
	}
	log.Info().Str("scenario", w.scenario).Msg(w.updateMessage(payloadPath, "", true, proxyPort))
	return w.runUpdateCommand(ctx, cmd, logDir, failDir, w.vmImagePath)
}

// VerifyImage runs the verification suite against the live VM and returns
// the measured pass percentage.
func (w *VMWorker) VerifyImage(ctx context.Context, percentRequired int, suite string) (int, error) {
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
		w.tool("cros_run_vm_test"),
		"--image_path=" + w.vmImagePath,
		"--snapshot",
		"--persist",
		"--kvm_pid=" + w.kvmPidFile,
		"--ssh_port=" + strconv.Itoa(w.sshPort),
		"--results_dir_root=" + logDir,
		suite,
	}
	if w.graphicsFlag != "" {
		cmd = append(cmd, w.graphicsFlag)
	}
	log.Info().Str("scenario", w.scenario).Str("suite", suite).Msg("running verification suite against vm")
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

// CleanUp stops the hypervisor tracked by the session pid file and asserts
// the pid file is gone afterwards.
func (w *VMWorker) CleanUp(ctx context.Context) error {
	if w.kvmPidFile == "" {
		return nil
	}
	if _, err := os.Stat(w.kvmPidFile); err == nil {
		if _, err := w.runner.Run(ctx, []string{w.tool("cros_stop_vm"), "--kvm_pid=" + w.kvmPidFile}, RunOptions{}); err != nil {
			log.Warn().Err(err).Str("pid_file", w.kvmPidFile).Msg("stopping vm reported an error")
		}
	}
	if _, err := os.Stat(w.kvmPidFile); err == nil {
		return errors.Errorf("vm pid file %s still exists after cleanup", w.kvmPidFile)
	}
	return nil
}
