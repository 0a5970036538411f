// Package spawn wraps the external supervisor command used to launch
// agent processes: "spawn --name <n> --parent-pid <p> [--log-level l]
// -- <argv...>", which prints a PID on stdout. Grounded on the
// os/exec command-construction and buffer-capture style of the
// teacher's host command executor.
package spawn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Request describes one agent process to launch.
type Request struct {
	Name       string
	ParentPID  int
	LogLevel   string
	Executable string
	Args       []string
}

// Adapter spawns an agent process and reports back its PID.
type Adapter interface {
	Spawn(ctx context.Context, req Request) (pid int, err error)
}

// spawnedPIDPattern matches "Spawned process with PID: <n>" (or similar
// phrasing); the last captured group is the PID.
var spawnedPIDPattern = regexp.MustCompile(`(?i)spawned process with pid:?\s*(\d+)`)

// SupervisorAdapter shells out to the "spawn" supervisor binary.
type SupervisorAdapter struct {
	SupervisorBin string
	Logger        *zap.Logger
}

// NewSupervisorAdapter constructs a SupervisorAdapter. supervisorBin
// defaults to "spawn" if empty.
func NewSupervisorAdapter(supervisorBin string, logger *zap.Logger) *SupervisorAdapter {
	if supervisorBin == "" {
		supervisorBin = "spawn"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SupervisorAdapter{SupervisorBin: supervisorBin, Logger: logger}
}

func (a *SupervisorAdapter) Spawn(ctx context.Context, req Request) (int, error) {
	args := []string{"--name", req.Name, "--parent-pid", strconv.Itoa(req.ParentPID)}
	if req.LogLevel != "" {
		args = append(args, "--log-level", req.LogLevel)
	}
	args = append(args, "--")
	args = append(args, req.Executable)
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, a.SupervisorBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.Logger.Info("spawning agent", zap.String("name", req.Name), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("spawn: supervisor command failed for %s: %w (stderr=%s)", req.Name, err, stderr.String())
	}

	pid, err := ParsePID(stdout.String())
	if err != nil {
		return 0, fmt.Errorf("spawn: could not parse PID for %s: %w", req.Name, err)
	}
	return pid, nil
}

// ParsePID extracts a PID from supervisor stdout: either a bare integer
// (the last numeric token on output) or a "Spawned process with PID: N"
// line.
func ParsePID(output string) (int, error) {
	if m := spawnedPIDPattern.FindStringSubmatch(output); m != nil {
		return strconv.Atoi(m[1])
	}

	trimmed := strings.TrimSpace(output)
	if nums := regexp.MustCompile(`\d+`).FindAllString(trimmed, -1); len(nums) > 0 {
		return strconv.Atoi(nums[len(nums)-1])
	}
	return 0, fmt.Errorf("no numeric PID found in output %q", output)
}

// DryRunAdapter never spawns a process; it logs the command that would
// have been run and returns a sentinel PID of -1. Grounded on the
// reference implementation's LoggingSpawnAdapter, used in development
// and tests where real process supervision isn't available.
type DryRunAdapter struct {
	Logger *zap.Logger
}

// NewDryRunAdapter constructs a DryRunAdapter.
func NewDryRunAdapter(logger *zap.Logger) *DryRunAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunAdapter{Logger: logger}
}

func (a *DryRunAdapter) Spawn(ctx context.Context, req Request) (int, error) {
	a.Logger.Info("(dry-run) would spawn agent",
		zap.String("name", req.Name),
		zap.Int("parent_pid", req.ParentPID),
		zap.String("executable", req.Executable),
		zap.Strings("args", req.Args),
	)
	return -1, nil
}

var (
	_ Adapter = (*SupervisorAdapter)(nil)
	_ Adapter = (*DryRunAdapter)(nil)
)
