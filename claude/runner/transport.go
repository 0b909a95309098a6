// Package runner drives a live Claude CLI process in stream-json mode: it
// launches the subprocess, streams messages off stdout, writes user input and
// control responses to stdin, and routes the bidirectional control protocol
// (permission prompts, interrupts, mode changes).
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/log"
)

var logger = log.GetLogger("runner")

// Scanner buffer for stdout lines; tool results can be large.
const maxLineSize = 1024 * 1024

type transport struct {
	cliPath string
	cwd     string
	args    []string
	env     map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	closed       bool
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
	readersWg    sync.WaitGroup

	messages chan []byte
	errors   chan error
}

func newTransport(cliPath, cwd string, args []string, env map[string]string) *transport {
	return &transport{
		cliPath:  cliPath,
		cwd:      cwd,
		args:     args,
		env:      env,
		messages: make(chan []byte, 100),
		errors:   make(chan error, 10),
	}
}

func (t *transport) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return fmt.Errorf("transport already connected")
	}
	if t.closed {
		return fmt.Errorf("transport closed")
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	logger.Info().
		Str("cli", t.cliPath).
		Strs("args", t.args).
		Str("cwd", t.cwd).
		Msg("starting CLI subprocess")

	t.cmd = exec.CommandContext(t.ctx, t.cliPath, t.args...)
	t.cmd.Dir = t.cwd

	env := os.Environ()
	env = append(env, "CLAUDE_CODE_ENTRYPOINT=sdk-go")
	for key, value := range t.env {
		env = append(env, key+"="+value)
	}
	t.cmd.Env = env

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start CLI process: %w", err)
	}
	t.connected = true

	logger.Info().Int("pid", t.cmd.Process.Pid).Str("cwd", t.cwd).Msg("CLI subprocess started")

	t.wg.Add(2)
	t.readersWg.Add(2)
	go t.readStdout()
	go t.readStderr()
	t.wg.Add(1)
	go t.monitorProcess()

	return nil
}

func (t *transport) readStdout() {
	defer t.wg.Done()
	defer t.readersWg.Done()

	scanner := bufio.NewScanner(t.stdout)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// The CLI may emit several JSON objects on one line.
		for _, jsonData := range splitConcatenatedJSON(line) {
			select {
			case t.messages <- jsonData:
			case <-t.ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case t.errors <- fmt.Errorf("stdout read error: %w", err):
		case <-t.ctx.Done():
		}
	}
}

// splitConcatenatedJSON splits a byte slice containing concatenated JSON
// objects.
func splitConcatenatedJSON(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var result [][]byte
	decoder := json.NewDecoder(bytes.NewReader(data))
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		obj := make([]byte, len(raw))
		copy(obj, raw)
		result = append(result, obj)
	}
	return result
}

func (t *transport) readStderr() {
	defer t.wg.Done()
	defer t.readersWg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			logger.Debug().Str("stderr", line).Msg("CLI stderr")
		}
	}
}

func (t *transport) monitorProcess() {
	defer t.wg.Done()

	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	if t.cmd.ProcessState != nil {
		logger.Info().
			Int("exitCode", t.cmd.ProcessState.ExitCode()).
			Msg("CLI process exited")
	}

	if err != nil && !t.shuttingDown.Load() {
		select {
		case <-t.ctx.Done():
		default:
			logger.Error().Err(err).Msg("CLI process error")
			select {
			case t.errors <- fmt.Errorf("process exited: %w", err):
			default:
			}
		}
	}

	// Readers must be drained before the channel closes; Wait has already
	// closed the pipes, so they finish promptly.
	t.readersWg.Wait()
	close(t.messages)
}

func (t *transport) write(data string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.RLock()
	if !t.connected || t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("transport not connected")
	}
	t.mu.RUnlock()

	if _, err := io.WriteString(t.stdin, data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// close terminates the CLI process. The CLI handles SIGINT for a graceful
// exit but ignores SIGTERM, so the sequence is stdin EOF, SIGINT, then
// SIGKILL after a grace period.
func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.shuttingDown.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Signal(syscall.SIGINT); err == nil {
			processDone := make(chan struct{})
			go func() {
				t.cmd.Wait()
				close(processDone)
			}()
			select {
			case <-processDone:
			case <-time.After(5 * time.Second):
				logger.Warn().Int("pid", t.cmd.Process.Pid).Msg("process did not exit after SIGINT, sending SIGKILL")
				t.cmd.Process.Kill()
			}
		} else {
			t.cmd.Process.Kill()
		}
	}

	// Unblock the readers.
	if t.stdout != nil {
		t.stdout.Close()
	}
	if t.stderr != nil {
		t.stderr.Close()
	}

	wgDone := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(wgDone)
	}()
	select {
	case <-wgDone:
	case <-time.After(2 * time.Second):
		logger.Warn().Msg("transport goroutines did not finish in time")
	}

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *transport) isConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}
