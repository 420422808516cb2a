package crostestutils

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RunOptions controls how an external tool invocation is executed.
type RunOptions struct {
	Dir string
	// LogPath, when set, receives a copy of the combined output so the
	// results directory keeps a per-step log even on success.
	LogPath string
}

// CommandRunner is the boundary to the external update/verification tools
// (devserver, VM scripts, test runner, gcloud/gsutil). Workers never shell
// out directly; tests substitute a recording runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, opts RunOptions) (string, error)
}

// NewExecRunner returns the production CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, opts RunOptions) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir

	var buf bytes.Buffer
	var sink io.Writer = &buf
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err == nil {
			if logFile, err := os.Create(opts.LogPath); err == nil {
				defer logFile.Close()
				sink = io.MultiWriter(&buf, logFile)
			} else {
				log.Warn().Err(err).Str("log_path", opts.LogPath).Msg("create command log failed")
			}
		}
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, errors.Wrapf(err, "run %s", argv[0])
	}
	return output, nil
}
