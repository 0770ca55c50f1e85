package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"jobkeeper/internal/domain"
)

// Cmd is the handler configuration. Options passed at trigger time may add
// {"args": [...]}, appended after Args.
type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
}

// Shell runs a command per attempt. Each stdout line is reported as
// progress; a line holding a JSON object with a "success" key is taken as
// the attempt's JobResult, the last one winning.
type Shell struct {
	cmd Cmd
}

func New(payload json.RawMessage) (domain.Handler, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	return Shell{cmd: c}, nil
}

// waitDelay bounds how long Wait keeps copying output after the command was
// killed.
const waitDelay = 2 * time.Second

type options struct {
	Args []string `json:"args"`
}

func (h Shell) Handle(ctx context.Context, req domain.Request) (*domain.JobResult, error) {
	args := append([]string(nil), h.cmd.Args...)
	if len(req.Options) > 0 {
		var o options
		if err := json.Unmarshal(req.Options, &o); err != nil {
			return nil, fmt.Errorf("invalid shell options: %w", err)
		}
		args = append(args, o.Args...)
	}

	cmd := exec.CommandContext(ctx, h.cmd.Command, args...)
	cmd.Dir = h.cmd.Dir
	if len(h.cmd.Env) > 0 {
		cmd.Env = append(cmd.Environ(), h.cmd.Env...)
	}
	killGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("shell error: %w", err)
	}

	type scanned struct {
		res *domain.JobResult
		err error
	}
	scanDone := make(chan scanned, 1)
	go func() {
		res, err := scanOutput(pr, req)
		scanDone <- scanned{res, err}
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	sc := <-scanDone
	result, scanErr := sc.res, sc.err

	if ctx.Err() != nil {
		return nil, fmt.Errorf("shell error: %w", ctx.Err())
	}
	if result != nil {
		return result, nil
	}
	if waitErr != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", waitErr, tail(stderr.String(), 2048))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read output: %w", scanErr)
	}
	return &domain.JobResult{Success: true}, nil
}

func scanOutput(r io.Reader, req domain.Request) (*domain.JobResult, error) {
	var result *domain.JobResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if res, ok := parseResult(line); ok {
			result = res
			continue
		}
		req.Report(domain.Progress{Message: line})
	}
	// Drain so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return result, sc.Err()
}

func parseResult(line string) (*domain.JobResult, bool) {
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var probe struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.Success == nil {
		return nil, false
	}
	var res domain.JobResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return nil, false
	}
	return &res, true
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
