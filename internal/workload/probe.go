package workload

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
)

// Prober performs a single health check.
type Prober interface {
	Probe(ctx context.Context) error
}

// probeFunc polls p every interval. The run fails once failureThreshold
// consecutive probes have failed; a success resets the streak.
func probeFunc(p Prober, spec *config.TaskSpec) engine.Func {
	interval := spec.Interval.Duration
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	timeout := spec.Timeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	threshold := spec.FailureThreshold
	if threshold <= 0 {
		threshold = config.DefaultFailureThreshold
	}

	return func(ctx context.Context, _ ...any) error {
		logger := zerolog.Ctx(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Probe(probeCtx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				failures++
				logger.Warn().Err(err).Int("failures", failures).Int("threshold", threshold).Msg("probe failed")
				if failures >= threshold {
					return fmt.Errorf("%w after %d consecutive attempts: %v", ErrProbeFailed, failures, err)
				}
			} else {
				if failures > 0 {
					logger.Info().Int("failures", failures).Msg("probe recovered")
				}
				failures = 0
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

type httpProber struct {
	client *http.Client
	url    string
	expect []int
}

func newHTTPProber(spec *config.TaskSpec) Prober {
	return &httpProber{
		client: &http.Client{},
		url:    spec.URL,
		expect: append([]int(nil), spec.ExpectStatus...),
	}
}

func (p *httpProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if len(p.expect) > 0 {
		if !slices.Contains(p.expect, resp.StatusCode) {
			return fmt.Errorf("status=%d", resp.StatusCode)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

type tcpProber struct {
	address string
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
}

func newTCPProber(spec *config.TaskSpec) Prober {
	return &tcpProber{
		address: spec.Address,
		dialer:  (&net.Dialer{}).DialContext,
	}
}

func (p *tcpProber) Probe(ctx context.Context) error {
	conn, err := p.dialer(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.address, err)
	}
	return conn.Close()
}
