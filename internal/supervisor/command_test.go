package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/apply"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestCommandProcessLifecycle(t *testing.T) {
	t.Parallel()

	sleep := requireBinary(t, "sleep")
	p := NewCommandProcess(CommandConfig{Name: "board", Path: sleep, Args: []string{"30"}, StopGrace: time.Second}, nil, nil)
	require.Equal(t, "board", p.Name())
	require.False(t, p.IsAlive())
	require.False(t, p.Health(context.Background()).Up)

	require.NoError(t, p.Start(context.Background()))
	require.True(t, p.IsAlive())
	require.True(t, strings.HasPrefix(p.Handle(), "pid:"))
	require.True(t, p.Health(context.Background()).Up)
	first := p.Handle()

	require.NoError(t, p.Restart(context.Background()))
	require.True(t, p.IsAlive())
	require.NotEqual(t, first, p.Handle())

	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.IsAlive())
	require.NoError(t, p.Stop(context.Background()))
}

func TestCommandProcessKillsAfterGrace(t *testing.T) {
	t.Parallel()

	sh := requireBinary(t, "sh")
	p := NewCommandProcess(CommandConfig{
		Name:      "stubborn",
		Path:      sh,
		Args:      []string{"-c", "trap '' TERM; exec sleep 30"},
		StopGrace: 100 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.False(t, p.IsAlive())
}

func TestCommandProcessDetectsExit(t *testing.T) {
	t.Parallel()

	sh := requireBinary(t, "sh")
	p := NewCommandProcess(CommandConfig{Name: "crashy", Path: sh, Args: []string{"-c", "exit 3"}}, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return !p.IsAlive() }, 2*time.Second, 10*time.Millisecond)
	status := p.Health(context.Background())
	require.False(t, status.Up)
	require.Contains(t, status.Detail, "exit status 3")
}

func TestCommandProcessStartError(t *testing.T) {
	t.Parallel()

	p := NewCommandProcess(CommandConfig{Name: "missing", Path: "/definitely/not/here"}, nil, nil)
	require.Error(t, p.Start(context.Background()))
	require.False(t, p.IsAlive())
}

func TestCommandProcessHealthURL(t *testing.T) {
	t.Parallel()

	sleep := requireBinary(t, "sleep")
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := NewCommandProcess(CommandConfig{Name: "board", Path: sleep, Args: []string{"30"}, HealthURL: srv.URL}, srv.Client(), nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	require.True(t, p.Health(context.Background()).Up)
	healthy.Store(false)
	status := p.Health(context.Background())
	require.False(t, status.Up)
	require.Contains(t, status.Detail, "500")
}

type staticChecker struct{ status apply.HealthStatus }

func (c staticChecker) Health(context.Context) apply.HealthStatus { return c.status }

func TestHealthProbeProcess(t *testing.T) {
	t.Parallel()

	reconnects := 0
	p := NewHealthProbeProcess("job-source", true, staticChecker{apply.HealthStatus{Up: true, Detail: "ok"}}, func(context.Context) error {
		reconnects++
		return errors.New("still down")
	})
	require.True(t, p.Essential())
	require.False(t, p.IsAlive())
	require.NoError(t, p.Start(context.Background()))
	require.True(t, p.IsAlive())
	require.Equal(t, "ok", p.Health(context.Background()).Detail)
	require.Error(t, p.Restart(context.Background()))
	require.Equal(t, 1, reconnects)
	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.IsAlive())
}
