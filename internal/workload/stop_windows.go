//go:build windows

package workload

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

func configureCmdSysProcAttr(*exec.Cmd) {}

func (p *proc) terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-timer.C:
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", p.key, err)
	}
	<-p.waitDone
	return p.exitError()
}
