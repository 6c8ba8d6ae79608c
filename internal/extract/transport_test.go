package extract

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedStep struct {
	status int
	err    error
}

// scriptedTransport replays a fixed sequence of responses; the final
// step repeats if the transport keeps calling.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []scriptedStep
	calls int
}

func (s *scriptedTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &http.Response{
		StatusCode: step.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`{}`)),
	}, nil
}

// recordingPauser captures pause durations without sleeping.
type recordingPauser struct {
	pauses []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, delay time.Duration) {
	p.pauses = append(p.pauses, delay)
}

func newTestTransport(t *testing.T, steps []scriptedStep, cfg TransportConfig) (*RetryingTransport, *scriptedTransport, *recordingPauser) {
	t.Helper()
	scripted := &scriptedTransport{steps: steps}
	pauser := &recordingPauser{}
	tr := NewRetryingTransport(nil, cfg, zaptest.NewLogger(t))
	tr.base = scripted
	tr.pauser = pauser
	return tr, scripted, pauser
}

func testConfig() TransportConfig {
	return TransportConfig{
		MaxAttempts:        12,
		FailureThreshold:   10,
		Cooldown:           5 * time.Minute,
		RateLimitBackoff:   BackoffPolicy{Base: 3 * time.Millisecond, Multiplier: 2},
		ForbiddenBackoff:   BackoffPolicy{Base: 10 * time.Millisecond, Multiplier: 2},
		ServerErrorBackoff: BackoffPolicy{Base: 5 * time.Millisecond, Multiplier: 2},
		NetworkRetryWait:   2 * time.Millisecond,
	}
}

func TestTransportReturnsSuccessImmediately(t *testing.T) {
	tr, scripted, pauser := newTestTransport(t, []scriptedStep{{status: 200}}, testConfig())

	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, scripted.calls)
	require.Empty(t, pauser.pauses)
}

func TestTransportRetriesRateLimitWithExponentialBackoff(t *testing.T) {
	steps := []scriptedStep{{status: 429}, {status: 429}, {status: 200}}
	tr, scripted, pauser := newTestTransport(t, steps, testConfig())

	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 3, scripted.calls)
	require.Equal(t, []time.Duration{3 * time.Millisecond, 6 * time.Millisecond}, pauser.pauses)
	require.Zero(t, tr.ConsecutiveFailures(), "success resets the shared counter")
}

func TestTransportServerErrorBackoff(t *testing.T) {
	steps := []scriptedStep{{status: 502}, {status: 200}}
	tr, _, pauser := newTestTransport(t, steps, testConfig())

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Millisecond}, pauser.pauses)
}

func TestTransportCooldownTripsOnTenthConsecutiveForbidden(t *testing.T) {
	steps := make([]scriptedStep, 0, 11)
	for range 10 {
		steps = append(steps, scriptedStep{status: 403})
	}
	steps = append(steps, scriptedStep{status: 200})
	tr, scripted, pauser := newTestTransport(t, steps, testConfig())

	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 11, scripted.calls)

	// Nine backoff pauses, then exactly one cooldown on the tenth 403.
	require.Len(t, pauser.pauses, 10)
	cooldowns := 0
	for _, pause := range pauser.pauses {
		if pause == 5*time.Minute {
			cooldowns++
		}
	}
	require.Equal(t, 1, cooldowns)
	require.Equal(t, 5*time.Minute, pauser.pauses[9], "cooldown fires on the threshold hit")
	require.Zero(t, tr.ConsecutiveFailures(), "cooldown resets the counter")
}

func TestTransportCounterNeverExceedsThreshold(t *testing.T) {
	steps := []scriptedStep{{status: 403}}
	cfg := testConfig()
	cfg.MaxAttempts = 25
	tr, _, pauser := newTestTransport(t, steps, cfg)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.ErrorIs(t, err, ErrRetriesExhausted)

	// 25 consecutive 403s: the counter resets at 10 and 20, leaving 5.
	require.Equal(t, 5, tr.ConsecutiveFailures())
	cooldowns := 0
	for _, pause := range pauser.pauses {
		if pause == 5*time.Minute {
			cooldowns++
		}
	}
	require.Equal(t, 2, cooldowns)
}

func TestTransportSharesCounterAcrossCalls(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	scripted := &scriptedTransport{steps: []scriptedStep{{status: 403}}}
	pauser := &recordingPauser{}
	tr := NewRetryingTransport(nil, cfg, zaptest.NewLogger(t))
	tr.base = scripted
	tr.pauser = pauser

	for range 3 {
		_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
		require.ErrorIs(t, err, ErrRetriesExhausted)
	}
	require.Equal(t, 3, tr.ConsecutiveFailures(), "counter is per run, not per request")
}

func TestTransportNetworkErrorFixedWaitThenPropagates(t *testing.T) {
	netErr := errors.New("connection refused")
	cfg := testConfig()
	cfg.MaxAttempts = 3
	tr, scripted, pauser := newTestTransport(t, []scriptedStep{{err: netErr}}, cfg)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRetriesExhausted, "final network failure propagates as a transport error")
	require.Equal(t, 3, scripted.calls)
	require.Equal(t, []time.Duration{2 * time.Millisecond, 2 * time.Millisecond}, pauser.pauses,
		"network errors wait a fixed interval, not an exponential one")
}

func TestTransportExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 4
	tr, scripted, _ := newTestTransport(t, []scriptedStep{{status: 503}}, cfg)

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 4, scripted.calls)
}

func TestTransportHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, _, _ := newTestTransport(t, []scriptedStep{{status: 200}}, testConfig())
	_, err := tr.Do(ctx, &Request{Method: http.MethodGet, URL: "http://remote/api"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTimerPauserHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pauser := NewTimerPauser()
	start := time.Now()
	pauser.Pause(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}
