package crostestutils

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultJobTimeout bounds a whole RunBounded batch, not each job.
	// Individual jobs are OS-image-sized operations, so the budget is large.
	DefaultJobTimeout = 1800 * time.Second
	// DefaultPollInterval is how often the monitor loop reports progress
	// while at least one job is still alive.
	DefaultPollInterval = 5 * time.Second
)

// ProcessJob describes one OS-level job to run. Jobs are isolated processes
// rather than goroutines: the tools being driven are heavyweight natives and
// a stuck or crashed job must not corrupt the scheduler.
type ProcessJob struct {
	Name string
	Argv []string
	Dir  string
	Env  []string
}

// JobResult is the terminal state of one ProcessJob. Output holds combined
// stdout/stderr. Err is non-nil when the process could not be started or
// exited non-zero.
type JobResult struct {
	Name     string
	Output   string
	ExitCode int
	Err      error
}

// Scheduler runs batches of independent OS-level jobs with bounded
// concurrency and a single wall-clock deadline per batch.
type Scheduler struct {
	MaxConcurrent int
	Timeout       time.Duration
	PollInterval  time.Duration
}

// NewScheduler returns a scheduler with the given concurrency bound and
// default timeout/poll settings.
func NewScheduler(maxConcurrent int) *Scheduler {
	return &Scheduler{
		MaxConcurrent: maxConcurrent,
		Timeout:       DefaultJobTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

type runningJob struct {
	index int
	pgid  int
}

// RunBounded executes every job, never running more than MaxConcurrent
// simultaneously, and returns results in submission order regardless of
// completion order.
//
// A channel semaphore gates process creation: a job starts only after a
// permit is acquired, and the permit is released in a defer immediately
// before the job's supervisor exits, so a crashing job cannot leak a slot.
// One monitor loop watches the live set under a single absolute deadline
// measured from batch start; if the deadline elapses, every still-alive
// process group is killed and *ParallelJobTimeoutError is returned with no
// partial results.
func (s *Scheduler) RunBounded(ctx context.Context, jobs []ProcessJob) ([]JobResult, error) {
	if s == nil {
		return nil, errors.New("scheduler is nil")
	}
	maxConcurrent := s.MaxConcurrent
	if maxConcurrent <= 0 {
		return nil, errors.New("scheduler max concurrency must be positive")
	}
	// Programmer errors fail fast, before anything is spawned.
	for _, job := range jobs {
		if len(job.Argv) == 0 {
			return nil, errors.Errorf("job %q has an empty command", job.Name)
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	pollInterval := s.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)

	var (
		mu      sync.Mutex
		live    = make(map[int]runningJob, maxConcurrent)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, maxConcurrent)
		outputs = make([]chan JobResult, len(jobs))
	)
	for i := range outputs {
		// One-shot result transport: buffered so a job can post its
		// terminal state without a listener and exit.
		outputs[i] = make(chan JobResult, 1)
	}

	// Launch in submission order. Each acquire blocks until a running job
	// releases its permit, which happens in the supervisor's defer below.
	runErr := func() error {
		for i := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Until(deadline)):
				return &ParallelJobTimeoutError{Timeout: timeout.String()}
			}
			wg.Add(1)
			go s.superviseJob(jobs[i], outputs[i], &wg, sem, &mu, live, i)
		}
		return nil
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	if runErr == nil {
		runErr = s.monitor(ctx, len(jobs), deadline, timeout, pollInterval, finished, &mu, live)
	}
	if runErr != nil {
		s.killLiveJobs(&mu, live)
		// Let supervisors observe the kills so no child outlives RunBounded.
		wg.Wait()
		var timeoutErr *ParallelJobTimeoutError
		if errors.As(runErr, &timeoutErr) {
			return nil, timeoutErr
		}
		return nil, errors.Wrap(runErr, "parallel jobs interrupted")
	}

	results := make([]JobResult, len(jobs))
	for i, ch := range outputs {
		results[i] = <-ch
	}
	return results, nil
}

// superviseJob starts the process in its own process group, waits for it,
// and posts exactly one terminal result. The semaphore permit is released in
// the defer regardless of how the job ends.
func (s *Scheduler) superviseJob(job ProcessJob, out chan<- JobResult,
	wg *sync.WaitGroup, sem <-chan struct{}, mu *sync.Mutex, live map[int]runningJob, index int) {
	result := JobResult{Name: job.Name, ExitCode: -1}
	defer func() {
		if r := recover(); r != nil {
			// Still signal completion so the monitor is never left
			// waiting on a slot with no terminal state.
			result.Err = errors.Errorf("job %q supervisor panicked: %v", job.Name, r)
		}
		out <- result
		<-sem
		wg.Done()
	}()

	cmd := exec.Command(job.Argv[0], job.Argv[1:]...)
	cmd.Dir = job.Dir
	if len(job.Env) > 0 {
		cmd.Env = job.Env
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// Children get their own process group so a batch timeout can kill the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		result.Err = errors.Wrapf(err, "start job %q", job.Name)
		return
	}
	mu.Lock()
	live[index] = runningJob{index: index, pgid: cmd.Process.Pid}
	mu.Unlock()

	err := cmd.Wait()

	mu.Lock()
	delete(live, index)
	mu.Unlock()

	result.Output = buf.String()
	result.ExitCode = cmd.ProcessState.ExitCode()
	if err != nil {
		result.Err = errors.Wrapf(err, "job %q", job.Name)
	}
}

// monitor reports progress while at least one job is alive, bounded by the
// batch deadline.
func (s *Scheduler) monitor(ctx context.Context, total int, deadline time.Time, timeout time.Duration,
	pollInterval time.Duration, finished <-chan struct{}, mu *sync.Mutex, live map[int]runningJob) error {
	for {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
		if time.Now().After(deadline) {
			return &ParallelJobTimeoutError{Timeout: timeout.String()}
		}
		mu.Lock()
		active := len(live)
		mu.Unlock()
		if active > 0 {
			log.Info().
				Int("active", active).
				Int("total", total).
				Msg("process pool active: waiting on jobs to complete")
		}
	}
}

// killLiveJobs force-terminates every still-running process group.
func (s *Scheduler) killLiveJobs(mu *sync.Mutex, live map[int]runningJob) {
	mu.Lock()
	defer mu.Unlock()
	for _, job := range live {
		log.Warn().Int("pgid", job.pgid).Msg("killing job that exceeded batch deadline")
		// Negative pid addresses the whole process group.
		_ = syscall.Kill(-job.pgid, syscall.SIGKILL)
	}
}
