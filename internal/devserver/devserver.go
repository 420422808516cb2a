// Package devserver wraps the external payload-serving process and builds
// the update URLs that point targets at it.
package devserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPort is where the payload server listens when no fault proxy
	// is interposed between target and server.
	DefaultPort = 8080

	// readyMarker is printed by the server once its HTTP listener is up.
	readyMarker = "Bus STARTED"

	defaultStartTimeout = 30 * time.Second
)

// UpdateURL builds the download URL a target should be pointed at for the
// payload stored at cachePath. When proxyPort is positive the URL routes
// through the local fault proxy instead of the server's own port.
func UpdateURL(proxyPort int, cachePath string) string {
	port := DefaultPort
	if proxyPort > 0 {
		port = proxyPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d/%s", port, strings.TrimPrefix(cachePath, "/"))
}

// Server manages one payload-serving child process for the duration of a
// test run. Start blocks until the server reports readiness in its log.
type Server struct {
	Tool      string
	StaticDir string
	Port      int
	LogPath   string
	// StartTimeout bounds how long Start waits for the readiness marker.
	StartTimeout time.Duration

	cmd      *exec.Cmd
	stopOnce sync.Once
}

// Start launches the server and scans its combined output for the readiness
// marker. A server that exits or stays silent past the timeout is killed and
// reported as a start failure.
func (s *Server) Start(ctx context.Context) error {
	if s.Tool == "" {
		return errors.New("devserver tool path is empty")
	}
	port := s.Port
	if port <= 0 {
		port = DefaultPort
	}
	timeout := s.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	argv := []string{
		s.Tool,
		fmt.Sprintf("--port=%d", port),
		"--static_dir=" + s.StaticDir,
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// Own process group so Stop can take down helper children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	var sink io.Writer = pw
	var logFile *os.File
	if s.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.LogPath), 0o755); err == nil {
			if f, err := os.Create(s.LogPath); err == nil {
				logFile = f
				sink = io.MultiWriter(pw, f)
			} else {
				log.Warn().Err(err).Str("log_path", s.LogPath).Msg("create devserver log failed")
			}
		}
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start devserver")
	}
	s.cmd = cmd

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), readyMarker) {
				close(ready)
				break
			}
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()
	go func() {
		_ = cmd.Wait()
		pw.Close()
		if logFile != nil {
			logFile.Close()
		}
	}()

	select {
	case <-ready:
		log.Info().Int("port", port).Msg("devserver ready")
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-time.After(timeout):
		s.Stop()
		return errors.Errorf("devserver did not report readiness within %s", timeout)
	}
}

// Stop kills the server's process group. Safe to call more than once and on
// a server that never started.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	})
}
