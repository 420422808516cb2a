package crostestutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/houstar/crostestutils/internal/devserver"
)

// StatefulChange selects how an update treats the persistent user-data
// partition.
type StatefulChange string

const (
	// StatefulOld leaves the stateful partition untouched.
	StatefulOld StatefulChange = "old"
	// StatefulClean wipes the stateful partition except for what is needed
	// to keep remote login working, exercising the factory-reset path.
	StatefulClean StatefulChange = "clean"
)

// Worker owns the full lifecycle of preparing a base image, applying an
// update and verifying the result against one kind of target. Lifecycle
// calls must follow Initialize -> PrepareBase -> UpdateImage/
// UpdateUsingPayload -> VerifyImage -> CleanUp; calling out of order is a
// caller error and is rejected only by the Initialize guard, not a full
// state machine.
type Worker interface {
	Initialize(port int) error
	PrepareBase(ctx context.Context, imagePath string, signed bool) (string, error)
	UpdateImage(ctx context.Context, imagePath, srcImagePath string, stateful StatefulChange, proxyPort int, signingKey string) error
	UpdateUsingPayload(ctx context.Context, payloadPath string, stateful StatefulChange, proxyPort int) error
	VerifyImage(ctx context.Context, percentRequired int, suite string) (int, error)
	CleanUp(ctx context.Context) error
}

// WorkerConfig carries the collaborators and options shared by all worker
// variants. The cache is constructed once by the driver and passed into
// every worker; workers never own or mutate it.
type WorkerConfig struct {
	Cache        *UpdateCache
	Runner       CommandRunner
	ResultsRoot  string
	Scenario     string
	Board        string
	Remote       string
	ToolsDir     string
	DeltaUpdates bool
	VerifySuite  string
	NoGraphics   bool
}

// workerBase holds the session state and helpers shared by the VM, device
// and cloud workers. Concrete workers embed it and delegate; there is no
// deeper hierarchy.
type workerBase struct {
	cache        *UpdateCache
	runner       CommandRunner
	resultsRoot  string
	scenario     string
	board        string
	toolsDir     string
	deltaUpdates bool
	verifySuite  string

	initialized  bool
	sshPort      int
	kvmPidFile   string
	resultsDir   string
	failRoot     string
	resultsCount int
	firstUpdate  bool
	preparedBase string
	vmImagePath  string
}

func newWorkerBase(cfg WorkerConfig) workerBase {
	suite := cfg.VerifySuite
	if suite == "" {
		suite = DefaultVerifySuite
	}
	return workerBase{
		cache:        cfg.Cache,
		runner:       cfg.Runner,
		resultsRoot:  cfg.ResultsRoot,
		scenario:     cfg.Scenario,
		board:        cfg.Board,
		toolsDir:     cfg.ToolsDir,
		deltaUpdates: cfg.DeltaUpdates,
		verifySuite:  suite,
	}
}

// Initialize binds the session to a unique port and resets the per-test
// counters. Called exactly once per scenario; re-initialization overwrites
// the session rather than merging with it.
func (w *workerBase) Initialize(port int) error {
	if port <= 0 {
		return errors.Errorf("worker requires a positive ssh port, got %d", port)
	}
	w.initialized = true
	w.sshPort = port
	w.kvmPidFile = fmt.Sprintf("/tmp/kvm.%d", port)
	w.resultsDir = filepath.Join(w.resultsRoot, w.scenario)
	w.failRoot = filepath.Join(w.resultsRoot, "failures", w.scenario)
	w.resultsCount = 0
	w.firstUpdate = false
	w.preparedBase = ""
	w.vmImagePath = ""
	return nil
}

func (w *workerBase) checkInitialized() error {
	if !w.initialized {
		return errors.New("worker lifecycle called before Initialize")
	}
	return nil
}

// nextResultsPath returns the (log, fail) directory pair for the next test
// phase, prefixed with the call count: 1_update, 2_verify, and so on. The
// log directory is created; the fail directory only materializes on capture.
func (w *workerBase) nextResultsPath(label string) (string, string, error) {
	w.resultsCount++
	name := fmt.Sprintf("%d_%s", w.resultsCount, label)
	logDir := filepath.Join(w.resultsDir, name)
	failDir := filepath.Join(w.failRoot, name)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create results directory")
	}
	return logDir, failDir, nil
}

// deltaSource applies the delta-updates switch: when deltas are disabled the
// update is always a full one, regardless of the source image the scenario
// passed in.
func (w *workerBase) deltaSource(srcImagePath string) string {
	if !w.deltaUpdates {
		return ""
	}
	return srcImagePath
}

func statefulChangeFlag(change StatefulChange) string {
	if change == "" {
		return ""
	}
	return "--stateful_update_flag=" + string(change)
}

// appendUpdateFlags resolves the payload for this update in the cache and
// appends the download URL (optionally routed through a fault proxy) to cmd.
// A cache miss is fatal: the generation step was supposed to cover every
// identifier this run needs.
func (w *workerBase) appendUpdateFlags(cmd []string, imagePath, srcImagePath string, proxyPort int, signingKey string, forVM bool) ([]string, error) {
	if proxyPort > 0 {
		cmd = append(cmd, "--proxy_port="+strconv.Itoa(proxyPort))
	}
	id := UpdateID{
		Target:     imagePath,
		Base:       srcImagePath,
		SigningKey: signingKey,
		ForVM:      forVM,
	}
	cachePath, err := w.cache.Lookup(id)
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, "--update_url="+devserver.UpdateURL(proxyPort, cachePath))
	return cmd, nil
}

// runUpdateCommand executes an update tool and, on failure, captures the
// step's logs into the fail directory before wrapping the output into an
// *UpdateFailure. Capture-then-raise is mandatory: the fail directory is
// archived later, so diagnostics written after propagation would be lost.
func (w *workerBase) runUpdateCommand(ctx context.Context, cmd []string, logDir, failDir string, artifacts ...string) error {
	opts := RunOptions{}
	if logDir != "" {
		opts.LogPath = filepath.Join(logDir, "update.log")
	}
	output, err := w.runner.Run(ctx, cmd, opts)
	if err == nil {
		return nil
	}
	w.captureFailure(logDir, failDir, artifacts...)
	exitCode := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &UpdateFailure{Code: exitCode, Output: output}
}

// captureFailure copies the step's log directory and any locally-resident
// artifacts (image, signing key, tarball) into the fail directory. Best
// effort: capture problems are logged, never raised over the real failure.
func (w *workerBase) captureFailure(logDir, failDir string, artifacts ...string) {
	if failDir == "" {
		return
	}
	if err := os.MkdirAll(failDir, 0o755); err != nil {
		log.Warn().Err(err).Str("fail_dir", failDir).Msg("create fail directory failed")
		return
	}
	if logDir != "" {
		if err := copyFS(failDir, os.DirFS(logDir)); err != nil {
			log.Warn().Err(err).Str("log_dir", logDir).Msg("ignoring errors while copying logs")
		}
	}
	for _, artifact := range artifacts {
		if artifact == "" {
			continue
		}
		dst := filepath.Join(failDir, filepath.Base(artifact))
		if err := copyFile(artifact, dst); err != nil {
			log.Warn().Err(err).Str("artifact", artifact).Msg("ignoring errors while copying artifact")
		}
	}
}

// assertEnoughTestsPassed parses the verification output and logs the
// measured pass rate against the required one. The measured percent is
// returned even when it is below the threshold; callers own the pass/fail
// policy.
func (w *workerBase) assertEnoughTestsPassed(output string, percentRequired int) (int, error) {
	percent, err := ParsePassPercent(output)
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("scenario", w.scenario).
		Int("percent_passed", percent).
		Int("percent_required", percentRequired).
		Msg("verification pass rate")
	if percent < percentRequired {
		log.Warn().Str("scenario", w.scenario).Msg(output)
	}
	return percent, nil
}

// prepareRealBase pushes the (optionally signed) image to the target through
// the known-good update path, not the path under test.
func (w *workerBase) prepareRealBase(ctx context.Context, worker Worker, imagePath string, signed bool) (string, error) {
	path := imagePath
	if signed {
		path = imagePath + ".signed"
	}
	if err := worker.UpdateImage(ctx, path, "", StatefulOld, 0, ""); err != nil {
		return "", err
	}
	return path, nil
}

// tool returns the path of an external helper script.
func (w *workerBase) tool(name string) string {
	if w.toolsDir == "" {
		return name
	}
	return filepath.Join(w.toolsDir, name)
}

func (w *workerBase) updateMessage(target, base string, forVM bool, proxyPort int) string {
	msg := "performing a full update to " + target
	if base != "" {
		msg = fmt.Sprintf("performing a delta update from %s to %s", base, target)
	}
	if forVM {
		msg += " in a VM"
	}
	if proxyPort > 0 {
		msg += " using a proxy on port " + strconv.Itoa(proxyPort)
	}
	return msg
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
