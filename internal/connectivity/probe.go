package connectivity

import (
	"context"
	"errors"
	"time"
)

// HealthChecker is the remote health endpoint, typically remote.HTTPClient.
type HealthChecker interface {
	HealthProbe(ctx context.Context) bool
}

// HTTPProbe polls the remote health endpoint on a fixed interval.
type HTTPProbe struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
}

func NewHTTPProbe(checker HealthChecker, interval, timeout time.Duration) (*HTTPProbe, error) {
	if checker == nil {
		return nil, errors.New("health checker required")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{checker: checker, interval: interval, timeout: timeout}, nil
}

func (p *HTTPProbe) Check(ctx context.Context) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ok := p.checker.HealthProbe(callCtx)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return ok, nil
}

// Watch emits one observation immediately and one per interval.
func (p *HTTPProbe) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			ok, err := p.Check(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			select {
			case out <- ok:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// StaticProbe reports a fixed answer. The CLI uses it for --offline runs.
type StaticProbe bool

func (s StaticProbe) Check(context.Context) (bool, error) { return bool(s), nil }

func (s StaticProbe) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	out <- bool(s)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
