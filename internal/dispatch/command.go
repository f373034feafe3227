package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/earbridge/earbridge/internal/session"
)

// Output caps keep command results inside a sane tool-response size.
const (
	stdoutCap = 5000
	stderrCap = 2000
)

// runCommand asks the operator for approval, then runs the shell command
// with a hard timeout and capped output.
func (d *Dispatcher) runCommand(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	command := argString(args, "command")
	if command == "" {
		return "", errors.New("command is required")
	}

	it := session.NewItem(session.KindChoices, ctx)
	it.Preamble = "Agent wants to run: " + command
	it.Choices = []session.Choice{
		{Label: "Approve", Summary: "Run: " + command},
		{Label: "Deny", Summary: "Reject this command"},
	}
	it.Blocking = true
	it = s.DedupEnqueue(it)

	res, err := d.waitItem(ctx, s, it)
	if err != nil {
		return "", err
	}
	if res.Selected == session.SelectedRestart {
		return "", errSessionRestarted
	}
	if res.Selected != "Approve" {
		return marshal(map[string]string{"status": "denied", "command": command})
	}

	cmdCtx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if cmdCtx.Err() == context.DeadlineExceeded {
		d.log.Warn("command timed out", "command", command, "session", s.ID)
		return marshal(map[string]string{
			"status":  "timeout",
			"command": command,
			"error":   fmt.Sprintf("Command timed out after %s", d.commandTimeout),
		})
	}

	returncode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			returncode = exitErr.ExitCode()
		} else {
			return marshal(map[string]string{
				"status":  "error",
				"command": command,
				"error":   runErr.Error(),
			})
		}
	}

	return marshal(map[string]any{
		"status":     "completed",
		"command":    command,
		"returncode": returncode,
		"stdout":     excerpt(stdout.String(), stdoutCap),
		"stderr":     excerpt(stderr.String(), stderrCap),
	})
}
