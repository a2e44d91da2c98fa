// Package automation runs the named, ordered task pipelines declared under
// a project's `automation:` config section: shell steps executed in order,
// with optional backgrounding and readiness waits between them.
package automation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/netconfig"
	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/supervisor"
)

// A waitFor target's URL scheme selects the probe primitive used to wait
// on it: "tcp://host:port" polls a raw TCP dial; any "http://" or
// "https://" URL polls for a non-5xx response.
const schemeTCP = "tcp://"

// StepResult records the outcome of one automation step, in execution order.
type StepResult struct {
	Run        string
	Background bool
	Started    bool
	WaitedFor  string
	Err        error
}

// Run executes steps in order. A step with Background set is started and
// not waited on, so the pipeline moves immediately to the next step; a
// step with WaitFor blocks the pipeline (not just that step) until the
// target becomes reachable or its timeout elapses. A synchronous
// (non-background) step's own command completion is always awaited before
// moving on. Run stops at the first step whose command fails or whose
// WaitFor times out, returning the results gathered so far.
func Run(ctx context.Context, taskName string, steps []netconfig.AutomationStep) ([]StepResult, error) {
	var results []StepResult

	for i, step := range steps {
		res := StepResult{Run: step.Run, Background: step.Background}

		if step.Background {
			cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
			cmd.Env = mergeEnv(os.Environ(), step.Environment)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Start(); err != nil {
				res.Err = asderr.Wrap(asderr.KindSpawn, err, fmt.Sprintf("task %q step %d failed to start", taskName, i))
				results = append(results, res)
				return results, res.Err
			}
			res.Started = true
			go func() { _ = cmd.Wait() }()
		} else {
			spec := supervisor.ForegroundSpec{
				BinaryPath: "sh",
				Args:       []string{"-c", step.Run},
				Env:        mergeEnv(os.Environ(), step.Environment),
			}
			if err := supervisor.RunForeground(ctx, spec, 2*time.Second); err != nil {
				res.Err = asderr.Wrap(asderr.KindSpawn, err, fmt.Sprintf("task %q step %d exited with an error", taskName, i))
				results = append(results, res)
				return results, res.Err
			}
			res.Started = true
		}

		if step.WaitFor != "" {
			timeout := time.Duration(step.TimeoutSecs) * time.Second
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			budget := probe.Budget{Timeout: timeout, PollInterval: 250 * time.Millisecond}
			res.WaitedFor = step.WaitFor

			var ready bool
			switch {
			case strings.HasPrefix(step.WaitFor, schemeTCP):
				ready = probe.TCP(ctx, strings.TrimPrefix(step.WaitFor, schemeTCP), budget)
			case strings.HasPrefix(step.WaitFor, "http://"), strings.HasPrefix(step.WaitFor, "https://"):
				ready = probe.HTTP(ctx, step.WaitFor, budget)
			default:
				res.Err = asderr.New(asderr.KindConfig, fmt.Sprintf("task %q step %d has an unrecognized waitFor target %q", taskName, i, step.WaitFor))
				results = append(results, res)
				return results, res.Err
			}
			if !ready {
				res.Err = asderr.New(asderr.KindTransient, fmt.Sprintf("task %q step %d timed out waiting for %q", taskName, i, step.WaitFor))
				results = append(results, res)
				return results, res.Err
			}
		}

		results = append(results, res)
	}
	return results, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
