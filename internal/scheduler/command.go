package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ncsdark/jobgate/pkg/update"
)

const maxOutputInError = 2048

// CommandBody wraps an external command as a job body. The process is killed
// when the run context is canceled; if the cancellation was a termination
// override the body acknowledges it with ErrTerminated, so process exit is
// this body's cooperative checkpoint.
func CommandBody(name string, argv []string) update.Body {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return fmt.Errorf("job %q: empty command", name)
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		if update.Terminating(ctx) {
			return update.ErrTerminated
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("job %q interrupted: %w", name, cerr)
		}
		return fmt.Errorf("job %q: %w; output: %s", name, err, trimOutput(out))
	}
}

func trimOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutputInError {
		s = s[:maxOutputInError] + "..."
	}
	if s == "" {
		s = "<none>"
	}
	return s
}
