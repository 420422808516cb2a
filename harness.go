package crostestutils

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/houstar/crostestutils/internal/storage"
)

// WorkerKind selects which target variant a run drives.
type WorkerKind string

const (
	WorkerVM     WorkerKind = "vm"
	WorkerDevice WorkerKind = "device"
	WorkerCloud  WorkerKind = "cloud"
)

// Fault-injection parameters for the interruption and delay scenarios. The
// threshold is large enough that the update is mid-payload when the fault
// hits, small enough that it always hits.
const (
	interruptionMaxCloses = 3
	interruptionThreshold = 2 * 1024 * 1024
	delayMaxDelays        = 1
	delayDuration         = 20 * time.Second
)

// TestRunOptions configures one harness run.
type TestRunOptions struct {
	Kind        WorkerKind
	TargetImage string
	BaseImage   string
	SigningKey  string

	Board       string
	Remote      string
	ToolsDir    string
	ResultsRoot string

	DeltaUpdates    bool
	VerifySuite     string
	QuickTest       bool
	NoGraphics      bool
	PercentRequired int

	// Jobs above one runs scenarios as separate harness processes through
	// the scheduler; SelfCommand is the argv prefix those children are
	// launched with.
	Jobs        int
	SelfCommand []string

	// ScenarioFilter restricts the run to the named scenarios. PortOffset
	// shifts the port block, letting parallel children coexist.
	ScenarioFilter []string
	PortOffset     int
	RunID          string

	Runner CommandRunner

	// Cloud runs only.
	Cloud      CloudContext
	Store      ObjectStore
	CloudTests []CloudTest
}

// TestRun drives the scenario suite for one target image against one worker
// kind.
type TestRun struct {
	opts     TestRunOptions
	runID    string
	cache    *UpdateCache
	recorder *storage.ResultsRecorder
}

// Scenario is one named update/verify flow. run returns the measured pass
// percentage of its final verification.
type Scenario struct {
	Name string
	run  func(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error)
}

// NewTestRun validates the options and loads the payload cache persisted
// next to the target image. An empty cache is tolerated here; scenarios
// fail per-identifier with *MissingPayloadError.
func NewTestRun(opts TestRunOptions) (*TestRun, error) {
	if opts.TargetImage == "" {
		return nil, errors.New("test run requires a target image")
	}
	switch opts.Kind {
	case WorkerVM, WorkerDevice, WorkerCloud:
	default:
		return nil, errors.Errorf("unknown worker kind %q", opts.Kind)
	}
	if opts.BaseImage == "" {
		opts.BaseImage = opts.TargetImage
	}
	if opts.PercentRequired <= 0 {
		opts.PercentRequired = 100
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	if opts.ResultsRoot == "" {
		opts.ResultsRoot = "results"
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	cache, err := LoadCache(CachePathForImage(opts.TargetImage))
	if err != nil {
		return nil, err
	}
	if cache.Len() == 0 {
		log.Warn().Str("target", opts.TargetImage).Msg("payload cache is empty: run generate-payloads first")
	}
	recorder, err := storage.OpenResultsRecorder(filepath.Join(opts.ResultsRoot, "results.db"))
	if err != nil {
		return nil, err
	}
	return &TestRun{opts: opts, runID: runID, cache: cache, recorder: recorder}, nil
}

// RunID returns the identifier stamped on this run's result rows and logs.
func (tr *TestRun) RunID() string { return tr.runID }

// Close releases the results recorder.
func (tr *TestRun) Close() error {
	return tr.recorder.Close()
}

// Scenarios returns the suite this run executes, after quick-test trimming
// and filter application.
func (tr *TestRun) Scenarios() []Scenario {
	var all []Scenario
	if tr.opts.QuickTest {
		all = []Scenario{{Name: "SimpleUpdateAndVerify", run: runSimpleUpdateAndVerify}}
	} else {
		all = []Scenario{
			{Name: "SimpleUpdateAndVerify", run: runSimpleUpdateAndVerify},
			{Name: "UpdateKeepStateful", run: runUpdateKeepStateful},
			{Name: "UpdateWipeStateful", run: runUpdateWipeStateful},
			{Name: "InterruptedUpdate", run: runInterruptedUpdate},
			{Name: "DelayedUpdate", run: runDelayedUpdate},
		}
		if tr.opts.SigningKey != "" {
			all = append(all, Scenario{Name: "SignedUpdate", run: runSignedUpdate})
		}
	}
	if len(tr.opts.ScenarioFilter) == 0 {
		return all
	}
	wanted := make(map[string]bool, len(tr.opts.ScenarioFilter))
	for _, name := range tr.opts.ScenarioFilter {
		wanted[name] = true
	}
	var out []Scenario
	for _, sc := range all {
		if wanted[sc.Name] {
			out = append(out, sc)
		}
	}
	return out
}

// Execute runs the scenario suite. With Jobs above one and a SelfCommand
// configured, each scenario becomes its own harness process scheduled with
// bounded concurrency; otherwise scenarios run sequentially in-process.
func (tr *TestRun) Execute(ctx context.Context) error {
	scenarios := tr.Scenarios()
	if len(scenarios) == 0 {
		return errors.New("no scenarios selected")
	}
	log.Info().
		Str("run_id", tr.runID).
		Str("kind", string(tr.opts.Kind)).
		Int("scenarios", len(scenarios)).
		Msg("starting update test run")
	if tr.opts.Jobs > 1 && len(scenarios) > 1 && len(tr.opts.SelfCommand) > 0 {
		return tr.executeParallel(ctx, scenarios)
	}
	var failed []string
	for i, sc := range scenarios {
		if err := tr.runScenario(ctx, sc, i); err != nil {
			log.Error().Err(err).Str("scenario", sc.Name).Msg("scenario failed")
			failed = append(failed, sc.Name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("scenarios failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// executeParallel re-invokes the harness once per scenario with a
// single-scenario filter and a disjoint port block, and schedules those
// processes through the job scheduler.
func (tr *TestRun) executeParallel(ctx context.Context, scenarios []Scenario) error {
	jobs := make([]ProcessJob, len(scenarios))
	for i, sc := range scenarios {
		argv := append([]string{}, tr.opts.SelfCommand...)
		argv = append(argv,
			"--scenario="+sc.Name,
			"--port-offset="+strconv.Itoa(tr.opts.PortOffset+i),
			"--run-id="+tr.runID,
			"--jobs=1",
		)
		jobs[i] = ProcessJob{Name: sc.Name, Argv: argv}
	}
	sched := NewScheduler(tr.opts.Jobs)
	results, err := sched.RunBounded(ctx, jobs)
	if err != nil {
		return err
	}
	var failed []string
	for _, res := range results {
		if res.Err != nil || res.ExitCode != 0 {
			log.Error().
				Str("scenario", res.Name).
				Int("exit_code", res.ExitCode).
				Msg(res.Output)
			failed = append(failed, res.Name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("scenarios failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// portFor returns the ssh port for the i-th scenario of this run. Each
// scenario owns a pair of ports: ssh and, one above it, the fault proxy.
func (tr *TestRun) portFor(index int) int {
	return BaseScenarioPort + (tr.opts.PortOffset+index)*2
}

func (tr *TestRun) runScenario(ctx context.Context, sc Scenario, index int) error {
	started := time.Now()
	worker, err := tr.newWorker(sc.Name)
	if err != nil {
		return err
	}
	port := tr.portFor(index)
	if err := worker.Initialize(port); err != nil {
		return err
	}
	percent, runErr := sc.run(ctx, tr, worker, port+1)
	if cleanErr := worker.CleanUp(ctx); cleanErr != nil {
		if runErr == nil {
			runErr = cleanErr
		} else {
			log.Warn().Err(cleanErr).Str("scenario", sc.Name).Msg("cleanup failed after scenario error")
		}
	}
	if runErr == nil && percent < tr.opts.PercentRequired {
		runErr = errors.Errorf("only %d%% of verification tests passed, %d%% required", percent, tr.opts.PercentRequired)
	}

	result := storage.ScenarioResult{
		RunID:      tr.runID,
		Scenario:   sc.Name,
		WorkerKind: string(tr.opts.Kind),
		Percent:    percent,
		Passed:     runErr == nil,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if err := tr.recorder.Record(result); err != nil {
		log.Warn().Err(err).Str("scenario", sc.Name).Msg("recording scenario result failed")
	}
	return runErr
}

func (tr *TestRun) newWorker(scenario string) (Worker, error) {
	suite := tr.opts.VerifySuite
	if tr.opts.QuickTest && suite == "" {
		suite = QuickVerifySuite
	}
	cfg := WorkerConfig{
		Cache:        tr.cache,
		Runner:       tr.opts.Runner,
		ResultsRoot:  tr.opts.ResultsRoot,
		Scenario:     scenario,
		Board:        tr.opts.Board,
		Remote:       tr.opts.Remote,
		ToolsDir:     tr.opts.ToolsDir,
		DeltaUpdates: tr.opts.DeltaUpdates,
		VerifySuite:  suite,
		NoGraphics:   tr.opts.NoGraphics,
	}
	switch tr.opts.Kind {
	case WorkerVM:
		return NewVMWorker(cfg)
	case WorkerDevice:
		return NewDeviceWorker(cfg)
	case WorkerCloud:
		return NewCloudWorker(cfg, tr.opts.Cloud, tr.opts.Store, tr.opts.CloudTests)
	}
	return nil, errors.Errorf("unknown worker kind %q", tr.opts.Kind)
}

// attemptUpdateWithFilter routes one update through a fault proxy running
// the given filter. The proxy fronts the payload server for exactly the
// duration of the update.
func (tr *TestRun) attemptUpdateWithFilter(ctx context.Context, w Worker, filter Filter, proxyPort int) error {
	proxy, err := NewFaultProxy(filter, proxyPort, "127.0.0.1", DefaultDevserverPort)
	if err != nil {
		return err
	}
	proxy.Start()
	defer proxy.Stop()
	return w.UpdateImage(ctx, tr.opts.TargetImage, tr.opts.BaseImage, StatefulOld, proxyPort, "")
}

func runSimpleUpdateAndVerify(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, false); err != nil {
		return 0, err
	}
	if err := w.UpdateImage(ctx, tr.opts.TargetImage, tr.opts.BaseImage, StatefulOld, 0, ""); err != nil {
		return 0, err
	}
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

// runUpdateKeepStateful updates base->target and back again, verifying each
// hop, with the stateful partition preserved throughout.
func runUpdateKeepStateful(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, false); err != nil {
		return 0, err
	}
	if err := w.UpdateImage(ctx, tr.opts.TargetImage, tr.opts.BaseImage, StatefulOld, 0, ""); err != nil {
		return 0, err
	}
	if _, err := w.VerifyImage(ctx, tr.opts.PercentRequired, ""); err != nil {
		return 0, err
	}
	if err := w.UpdateImage(ctx, tr.opts.BaseImage, tr.opts.TargetImage, StatefulOld, 0, ""); err != nil {
		return 0, err
	}
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

func runUpdateWipeStateful(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, false); err != nil {
		return 0, err
	}
	if err := w.UpdateImage(ctx, tr.opts.TargetImage, tr.opts.BaseImage, StatefulClean, 0, ""); err != nil {
		return 0, err
	}
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

// runInterruptedUpdate severs the first payload connections mid-download;
// the update engine is expected to resume and finish anyway.
func runInterruptedUpdate(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, false); err != nil {
		return 0, err
	}
	filter := NewInterruptionFilter(interruptionMaxCloses, interruptionThreshold)
	if err := tr.attemptUpdateWithFilter(ctx, w, filter, proxyPort); err != nil {
		return 0, err
	}
	log.Info().Int("severed", filter.ClosedConnections()).Msg("interrupted update completed")
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

// runDelayedUpdate stalls the payload stream mid-download; the update must
// ride out the stall without failing.
func runDelayedUpdate(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, false); err != nil {
		return 0, err
	}
	filter := NewDelayedFilter(delayMaxDelays, delayDuration, interruptionThreshold)
	if err := tr.attemptUpdateWithFilter(ctx, w, filter, proxyPort); err != nil {
		return 0, err
	}
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

// runSignedUpdate exercises the signed-payload path: signed base, then an
// update whose payload was signed with the configured key.
func runSignedUpdate(ctx context.Context, tr *TestRun, w Worker, proxyPort int) (int, error) {
	if _, err := w.PrepareBase(ctx, tr.opts.BaseImage, true); err != nil {
		return 0, err
	}
	if err := w.UpdateImage(ctx, tr.opts.TargetImage, tr.opts.BaseImage, StatefulOld, 0, tr.opts.SigningKey); err != nil {
		return 0, err
	}
	return w.VerifyImage(ctx, tr.opts.PercentRequired, "")
}

// ExpectUpdateFailure asserts that err is an update failure whose captured
// tool output contains want. Used by flows that feed deliberately broken
// payloads and assert the engine rejects them for the right reason.
func ExpectUpdateFailure(err error, want string) error {
	var failure *UpdateFailure
	if !errors.As(err, &failure) {
		return errors.Errorf("expected an update failure mentioning %q, got: %v", want, err)
	}
	if !strings.Contains(failure.Output, want) {
		return errors.Errorf("update failed for the wrong reason: want %q in output, got: %s", want, failure.Output)
	}
	return nil
}
