package ml

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	serveFlag       = "--serve"
	helperWaitDelay = time.Second
	helperStopGrace = 2 * time.Second
)

var errHelperStopped = errors.New("onnx helper stopped")

// residentHelper keeps one python helper running in --serve mode so the
// inference session is built once instead of on every prediction. Requests
// are serialized; a cancelled or failed request kills the process and the
// next call starts a fresh one.
type residentHelper struct {
	pythonPath string
	scriptPath string
	modelPath  string

	mu   sync.Mutex
	proc *helperProc
}

type helperProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
}

func newResidentHelper(pythonPath, scriptPath, modelPath string) *residentHelper {
	return &residentHelper{
		pythonPath: pythonPath,
		scriptPath: scriptPath,
		modelPath:  modelPath,
	}
}

func (h *residentHelper) start() (*helperProc, error) {
	cmd := exec.Command(h.pythonPath, h.scriptPath, h.modelPath, serveFlag)
	cmd.WaitDelay = helperWaitDelay
	cmd.Stderr = log.With().
		Str("component", "onnx_helper").
		Str("model_path", h.modelPath).
		Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper: %w", err)
	}

	p := &helperProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(pr),
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
		close(p.exited)
	}()

	log.Debug().
		Int("pid", cmd.Process.Pid).
		Str("model_path", h.modelPath).
		Msg("ONNX helper started")
	return p, nil
}

func (p *helperProc) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *helperProc) kill() {
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	<-p.exited
}

// call sends one request line and returns the helper's response line.
func (h *residentHelper) call(ctx context.Context, req []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc != nil && !h.proc.running() {
		h.proc = nil
	}
	if h.proc == nil {
		p, err := h.start()
		if err != nil {
			return nil, err
		}
		h.proc = p
	}
	p := h.proc

	type reply struct {
		line []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		if _, err := p.stdin.Write(append(req, '\n')); err != nil {
			done <- reply{err: fmt.Errorf("write request: %w", err)}
			return
		}
		line, err := p.stdout.ReadBytes('\n')
		if err != nil {
			err = fmt.Errorf("read response: %w", err)
		}
		done <- reply{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		p.kill()
		h.proc = nil
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("prediction timeout: %w", ctx.Err())
		}
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			p.kill()
			h.proc = nil
			if msg := helperError(r.line); msg != "" {
				return nil, fmt.Errorf("python inference error: %s", msg)
			}
			return nil, r.err
		}
		return r.line, nil
	}
}

// Close stops the helper, giving it a moment to exit on end of input.
func (h *residentHelper) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc == nil {
		return nil
	}
	p := h.proc
	h.proc = nil

	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(helperStopGrace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return nil
}
