package workload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
	"github.com/Paintersrp/geark/internal/logging"
)

const (
	sourceStdout = "stdout"
	sourceStderr = "stderr"
)

// processFunc runs spec.Command once per run. Extra string arguments passed
// to the task are appended to the command line.
func processFunc(key string, spec *config.TaskSpec) engine.Func {
	grace := spec.GracePeriod.Duration
	if grace <= 0 {
		grace = config.DefaultGracePeriod
	}
	return func(ctx context.Context, args ...any) error {
		argv := append([]string(nil), spec.Command[1:]...)
		for _, arg := range args {
			argv = append(argv, fmt.Sprint(arg))
		}
		cmd := exec.Command(spec.Command[0], argv...)
		cmd.Dir = spec.Workdir
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
		return runProcess(ctx, key, cmd, grace)
	}
}

// maxLogLine bounds a single output line; longer lines end line-by-line
// logging for that stream and the remainder is discarded.
const maxLogLine = 1 << 20

func runProcess(ctx context.Context, key string, cmd *exec.Cmd, grace time.Duration) error {
	logger := zerolog.Ctx(ctx)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("task %s stdout: %w", key, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("task %s stderr: %w", key, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	configureCmdSysProcAttr(cmd)

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return fmt.Errorf("start task %s: %w", key, startErr)
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Str("command", cmd.Path).Msg("process started")

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLogs(logger, stdoutR, sourceStdout, &wg)
	go streamLogs(logger, stderrR, sourceStderr, &wg)
	streamsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(streamsDone)
	}()

	p := &proc{key: key, cmd: cmd, waitDone: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		// A descendant that outlives the process can keep the pipes open.
		timer := time.NewTimer(grace)
		select {
		case <-streamsDone:
		case <-timer.C:
			logger.Debug().Msg("output still open after exit, closing pipes")
		}
		timer.Stop()
		_ = stdoutR.Close()
		_ = stderrR.Close()
		<-streamsDone
		close(p.waitDone)
	}()

	select {
	case <-p.waitDone:
		return p.exitError()
	case <-ctx.Done():
		return p.terminate(grace)
	}
}

type proc struct {
	key      string
	cmd      *exec.Cmd
	waitDone chan struct{}
	waitErr  error
}

func (p *proc) exitError() error {
	if p.waitErr != nil {
		return fmt.Errorf("process %s exited: %w", p.key, p.waitErr)
	}
	return nil
}

func streamLogs(logger *zerolog.Logger, r io.Reader, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		evt := logger.Info()
		if source == sourceStderr {
			evt = logger.Warn()
		}
		evt.Str("source", source).Msg(logging.Redact(line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn().Str("source", source).Err(err).Msg("output no longer logged")
		// Keep the pipe drained so the process never blocks on write.
		_, _ = io.Copy(io.Discard, r)
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
