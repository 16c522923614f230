package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/models"
)

func init() {
	Register(config.ProviderStdio, newStdio)
}

// Stdio drives a target subprocess over newline-delimited JSON: one request
// object per line on stdin, one reply object per line on stdout. The frame
// shapes match the websocket adapter. Stdio targets are inherently serial.
type Stdio struct {
	name    string
	command []string
	timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func newStdio(name string, cfg *config.TargetConfig) (Adapter, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: stdio target needs command", config.ErrMissingRequiredField)
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Stdio{name: name, command: cfg.Command, timeout: timeout}, nil
}

func (s *Stdio) Name() string { return s.name }

// EnumerateTools implements Adapter.
func (s *Stdio) EnumerateTools(context.Context) ([]models.ToolSpec, error) {
	return nil, nil
}

// start launches the subprocess on first use and after failures.
// Caller holds s.mu.
func (s *Stdio) start() error {
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.command[0], s.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errclass.Wrap(errclass.ErrTransient, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errclass.Wrap(errclass.ErrTransient, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errclass.Wrap(errclass.ErrTransient, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return errclass.Wrap(errclass.ErrTransient, "starting %s: %v", s.command[0], err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("Target stderr", "adapter", s.name, "line", scanner.Text())
		}
	}()

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	return nil
}

// Invoke implements Adapter.
func (s *Stdio) Invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.start(); err != nil {
		return nil, err
	}

	req := wsRequest{
		Prompt:      prompt,
		Model:       params.Model,
		System:      params.System,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		History:     params.History,
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, errclass.Wrap(errclass.ErrProtocol, "encoding frame: %v", err)
	}
	frame = append(frame, '\n')

	start := time.Now()
	if _, err := s.stdin.Write(frame); err != nil {
		s.kill()
		return nil, errclass.Wrap(errclass.ErrTransient, "writing to subprocess: %v", err)
	}

	timeout := s.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = remaining
		}
	}

	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := s.stdout.ReadBytes('\n')
		done <- result{line, err}
	}()

	var line []byte
	select {
	case <-ctx.Done():
		s.kill()
		return nil, ctx.Err()
	case <-time.After(timeout):
		s.kill()
		return nil, errclass.Wrap(errclass.ErrTimeout, "no reply within %s", timeout)
	case r := <-done:
		if r.err != nil {
			s.kill()
			return nil, errclass.Wrap(errclass.ErrTransient, "reading from subprocess: %v", r.err)
		}
		line = r.line
	}

	var reply wsResponse
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, errclass.Wrap(errclass.ErrProtocol, "decoding reply: %v", err)
	}
	if reply.Error != "" {
		return nil, errclass.Wrap(errclass.ErrProtocol, "target error: %s", reply.Error)
	}

	return &models.ModelResponse{
		Text:         reply.Text,
		FinishReason: reply.FinishReason,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// kill tears the subprocess down so the next call restarts it.
// Caller holds s.mu.
func (s *Stdio) kill() {
	if s.cmd == nil {
		return
	}
	s.stdin.Close()
	s.cmd.Process.Kill()
	s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
}

// Close implements Adapter. Closes stdin first so a well-behaved target can
// exit on EOF, then reaps it.
func (s *Stdio) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.cmd.Process.Kill()
		<-done
	}
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	return nil
}
