// Package engine invokes the external analysis engines. Engines are opaque
// local binaries with an argv contract: placeholders are substituted, the
// process runs to completion, and a non-zero exit surfaces as an Error
// carrying a bounded excerpt of the captured output.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MaxLogBytes bounds the diagnostic excerpt recorded on failure.
const MaxLogBytes = 4000

// Inputs are the values substituted into an engine command template.
type Inputs struct {
	Input    string // downloaded media file
	OutJSON  string // event/keypoint timeline to produce
	OutVideo string // overlay video to produce (object engine)
	OutDir   string // working dir for auxiliary outputs (music stems)
}

// Error reports an engine failure with its captured output.
type Error struct {
	Engine string
	Log    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s engine: %v", e.Engine, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes one configured engine command template.
type Runner struct {
	name string
	argv []string
}

// NewRunner parses a whitespace-separated command template such as
// "motion-engine --input {input} --out-json {out_json}".
func NewRunner(name, command string) (*Runner, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("engine %s: empty command", name)
	}
	return &Runner{name: name, argv: argv}, nil
}

// Run substitutes placeholders and executes the engine. Cancellation is
// cooperative at the orchestration layer; a process already started is
// allowed to run to completion, so the command is not bound to ctx's
// deadline beyond startup.
func (r *Runner) Run(ctx context.Context, in Inputs) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	argv := make([]string, len(r.argv))
	replacer := strings.NewReplacer(
		"{input}", in.Input,
		"{out_json}", in.OutJSON,
		"{out_video}", in.OutVideo,
		"{out_dir}", in.OutDir,
	)
	for i, a := range r.argv {
		argv[i] = replacer.Replace(a)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log := Truncate(strings.TrimSpace(string(out)), MaxLogBytes)
		if log == "" {
			log = fmt.Sprintf("%s engine failed", r.name)
		}
		return &Error{Engine: r.name, Log: log, Err: err}
	}
	return nil
}

// Truncate bounds s to at most n bytes, keeping the head.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
