//go:build !windows

package workload

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// terminate signals the process group with SIGTERM and escalates to SIGKILL
// once grace has elapsed.
func (p *proc) terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %s: %w", p.key, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-timer.C:
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", p.key, err)
	}
	<-p.waitDone
	return p.exitError()
}
