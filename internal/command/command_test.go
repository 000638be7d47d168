package command

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabian4/haproxy-console/internal/model"
)

func TestLocal_Run(t *testing.T) {
	l := NewLocal(0, zaptest.NewLogger(t))

	out, err := l.Run(context.Background(), `echo "  hello world  "`)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestLocal_RunExitError(t *testing.T) {
	l := NewLocal(0, zaptest.NewLogger(t))

	_, err := l.Run(context.Background(), `sh -c 'echo out; echo "config invalid" >&2; exit 3'`)
	require.Error(t, err)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "config invalid", ee.Detail())
	assert.Contains(t, err.Error(), "config invalid")
}

func TestLocal_RunNotFound(t *testing.T) {
	l := NewLocal(0, zaptest.NewLogger(t))

	_, err := l.Run(context.Background(), "definitely-not-a-binary-4711 --flag")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLocal_RunEmpty(t *testing.T) {
	_, err := NewLocal(0, nil).Run(context.Background(), "   ")
	require.Error(t, err)
}

type fakeExec struct {
	out   map[string]string
	fail  map[string]error
	lines []string
}

func (f *fakeExec) Run(_ context.Context, line string) (string, error) {
	f.lines = append(f.lines, line)
	if err := f.fail[line]; err != nil {
		return "", err
	}
	return f.out[line], nil
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, model.StatusRunning, ParseStatus("Active: active (running) since Mon"))
	assert.Equal(t, model.StatusStopped, ParseStatus("Active: inactive (dead)"))
	assert.Equal(t, model.StatusUnknown, ParseStatus("Active: activating (start)"))
}

func TestService_Status(t *testing.T) {
	cmds := Commands{Status: "systemctl status haproxy"}
	fx := &fakeExec{out: map[string]string{cmds.Status: "   Active: active (running)"}}
	assert.Equal(t, model.StatusRunning, NewService(fx, cmds).Status(context.Background()))

	fx = &fakeExec{fail: map[string]error{cmds.Status: &ExitError{Code: 3}}}
	assert.Equal(t, model.StatusError, NewService(fx, cmds).Status(context.Background()))
}

func TestService_Do(t *testing.T) {
	cmds := Commands{
		Start: "systemctl start haproxy",
		Test:  "haproxy -c -f /etc/haproxy/haproxy.cfg",
	}
	fx := &fakeExec{
		out:  map[string]string{cmds.Test: "Configuration file is valid"},
		fail: map[string]error{},
	}
	svc := NewService(fx, cmds)

	out, err := svc.Do(context.Background(), ActionTest)
	require.NoError(t, err)
	assert.Equal(t, "Configuration file is valid", out)

	out, err = svc.Do(context.Background(), ActionStart)
	require.NoError(t, err)
	assert.Equal(t, "Command executed successfully.", out)

	_, err = svc.Do(context.Background(), ActionStop)
	assert.True(t, errors.Is(err, ErrUnknownAction))

	_, err = svc.Do(context.Background(), "reboot")
	assert.True(t, errors.Is(err, ErrUnknownAction))

	assert.Equal(t, []string{ActionStart, ActionTest}, svc.Actions())
	assert.Equal(t, []string{cmds.Test, cmds.Start}, fx.lines)
}
