package bootmon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	ret := m.Called(name, args)
	out, _ := ret.Get(0).([]byte)
	return out, ret.Error(1)
}

func show(unit string) []string {
	return []string{"show", unit, "-p", "ActiveState"}
}

func TestActiveState(t *testing.T) {
	runner := &mockRunner{}
	defer SetRunnerForTesting(runner)()

	runner.On("Run", "systemctl", show("kubelet.service")).Return([]byte("ActiveState=activating\n"), nil).Once()
	runner.On("Run", "systemctl", show("missing.service")).Return([]byte("Unit missing.service could not be found.\n"), errors.New("exit status 4")).Once()
	runner.On("Run", "systemctl", show("odd.service")).Return([]byte("SubState=running\n"), nil).Once()

	state, err := ActiveState(context.Background(), "kubelet.service")
	require.NoError(t, err)
	assert.Equal(t, "activating", state)

	_, err = ActiveState(context.Background(), "missing.service")
	assert.ErrorContains(t, err, "could not be found")

	_, err = ActiveState(context.Background(), "odd.service")
	assert.ErrorContains(t, err, "no ActiveState")
	runner.AssertExpectations(t)
}

func TestUnitsCheck(t *testing.T) {
	runner := &mockRunner{}
	defer SetRunnerForTesting(runner)()

	runner.On("Run", "systemctl", show("containerd.service")).Return([]byte("ActiveState=active\n"), nil)
	runner.On("Run", "systemctl", show("kubelet.service")).Return([]byte("ActiveState=failed\n"), nil)
	runner.On("Run", "systemctl", show("host-containers.service")).Return([]byte("ActiveState=inactive\n"), nil)

	assert.NoError(t, Units{"containerd.service"}.Check(context.Background()))

	err := Units{"containerd.service", "kubelet.service", "host-containers.service"}.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kubelet.service is failed")
	assert.Contains(t, err.Error(), "host-containers.service is inactive")
	assert.NoError(t, Units(nil).Check(context.Background()))
}

type countingChecker struct {
	failures int
	calls    int
}

func (c *countingChecker) Check(context.Context) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("not yet")
	}
	return nil
}

func TestMonitorConfirmsOncePerBoot(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "run", "boot-confirmed")
	checker := &countingChecker{failures: 2}
	confirmed := 0
	m := &Monitor{
		Checker:  checker,
		Confirm:  func(context.Context) error { confirmed++; return nil },
		Timeout:  5 * time.Second,
		Interval: time.Millisecond,
		Marker:   marker,
	}

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 3, checker.calls)
	assert.Equal(t, 1, confirmed)
	assert.FileExists(t, marker)

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 3, checker.calls)
}

func TestMonitorTimeout(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "boot-confirmed")
	confirmed := false
	m := &Monitor{
		Checker:  &countingChecker{failures: 1 << 30},
		Confirm:  func(context.Context) error { confirmed = true; return nil },
		Timeout:  50 * time.Millisecond,
		Interval: time.Millisecond,
		Marker:   marker,
	}

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.False(t, confirmed)
	assert.NoFileExists(t, marker)
}

func TestMonitorConfirmFailure(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "boot-confirmed")
	m := &Monitor{
		Checker:  Units{},
		Confirm:  func(context.Context) error { return errors.New("disk gone") },
		Interval: time.Millisecond,
		Marker:   marker,
	}
	assert.ErrorContains(t, m.Run(context.Background()), "disk gone")
	assert.NoFileExists(t, marker)
}
