package command

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fabian4/haproxy-console/internal/model"
)

// Actions accepted by Service.Do.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionTest    = "test"
)

// ErrUnknownAction is returned for an action with no configured command.
var ErrUnknownAction = errors.New("invalid action")

// Commands are the command lines for each lifecycle operation.
type Commands struct {
	Status  string
	Start   string
	Stop    string
	Restart string
	Test    string
}

// Service controls the proxy through an Executor.
type Service struct {
	exec Executor
	cmds Commands
}

func NewService(exec Executor, cmds Commands) *Service {
	return &Service{exec: exec, cmds: cmds}
}

// Status maps the status command output: "active (running)" is running,
// "inactive (dead)" is stopped, anything else unknown; a failed command is error.
func (s *Service) Status(ctx context.Context) model.ServiceStatus {
	out, err := s.exec.Run(ctx, s.cmds.Status)
	if err != nil {
		return model.StatusError
	}
	return ParseStatus(out)
}

func ParseStatus(out string) model.ServiceStatus {
	switch {
	case strings.Contains(out, "active (running)"):
		return model.StatusRunning
	case strings.Contains(out, "inactive (dead)"):
		return model.StatusStopped
	default:
		return model.StatusUnknown
	}
}

// Do runs a lifecycle action and returns the captured output.
func (s *Service) Do(ctx context.Context, action string) (string, error) {
	line, ok := s.lines()[action]
	if !ok || line == "" {
		return "", errors.Wrapf(ErrUnknownAction, "%q", action)
	}
	out, err := s.exec.Run(ctx, line)
	if err != nil {
		return "", err
	}
	if out == "" {
		out = "Command executed successfully."
	}
	return out, nil
}

// Actions lists the configured action names.
func (s *Service) Actions() []string {
	var names []string
	for k, v := range s.lines() {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Service) lines() map[string]string {
	return map[string]string{
		ActionStart:   s.cmds.Start,
		ActionStop:    s.cmds.Stop,
		ActionRestart: s.cmds.Restart,
		ActionTest:    s.cmds.Test,
	}
}
