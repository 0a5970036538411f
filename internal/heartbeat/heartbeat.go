// Package heartbeat parses the line-oriented operator directive file each
// agent polls. Reads are idempotent: the file is never consumed or
// truncated, because directives are declarative state, not an event
// queue (a deliberate divergence from the pre-distillation prototype,
// which truncated the file after every read).
package heartbeat

import (
	"os"
	"strconv"
	"strings"
)

// Command names recognized by the agent runtime.
const (
	CmdPause     = "PAUSE"
	CmdResume    = "RESUME"
	CmdReparse   = "REPARSE"
	CmdDropTask  = "DROP-TASK"
	CmdElevate   = "ELEVATE"
	CmdFlushMem  = "FLUSH-MEMORY"
)

// Directive is one parsed line: an uppercased command plus its raw args.
type Directive struct {
	Command string
	Args    []string
}

// String reconstructs the directive's textual form.
func (d Directive) String() string {
	if len(d.Args) == 0 {
		return d.Command
	}
	return d.Command + " " + strings.Join(d.Args, " ")
}

// TaskID returns the DROP-TASK argument, if this is a DROP-TASK directive
// with one.
func (d Directive) TaskID() (string, bool) {
	if d.Command != CmdDropTask || len(d.Args) == 0 {
		return "", false
	}
	return d.Args[0], true
}

// Elevate returns the ELEVATE task id and integer priority, if this is a
// well-formed ELEVATE directive. A non-numeric priority is ignored per
// the runtime contract, so ok is false in that case too.
func (d Directive) Elevate() (taskID string, priority int, ok bool) {
	if d.Command != CmdElevate || len(d.Args) < 2 {
		return "", 0, false
	}
	p, err := strconv.Atoi(d.Args[1])
	if err != nil {
		return "", 0, false
	}
	return d.Args[0], p, true
}

// Parse tokenizes directive text into an ordered list of directives.
// Blank lines and lines starting with '#' (after leading whitespace) are
// skipped. The first whitespace-separated token is uppercased as the
// command; the rest are kept as args verbatim. Unknown commands are
// still returned — it is the caller's responsibility to ignore them.
func Parse(text string) []Directive {
	var directives []Directive
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		cmd := strings.ToUpper(fields[0])
		directives = append(directives, Directive{Command: cmd, Args: fields[1:]})
	}
	return directives
}

// Read loads and parses the directive file at path. A missing file is
// treated as "no directives" rather than an error, matching the
// coordinator/agent convention that an absent heartbeat file is normal
// before an operator has written one.
func Read(path string) ([]Directive, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return Parse(string(raw)), nil
}
