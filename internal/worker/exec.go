package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/mensahq/mensad/internal/thread"
)

// outboundBuffer bounds queued input frames per process. A worker that
// stops reading stdin fails sends fast instead of blocking callers.
const outboundBuffer = 32

// ExecLauncher spawns worker processes by shelling out to the configured
// command. The worker receives the workspace path via --cwd, reads JSON
// frames on stdin and writes JSON events line by line on stdout.
type ExecLauncher struct {
	// Command is the worker binary (default "mensa-worker").
	Command string
	// Args are extra arguments placed before --cwd.
	Args []string
}

// Wire frames exchanged with the worker process.

type inputFrame struct {
	Type           string        `json:"type"` // "replay" or "user"
	Content        string        `json:"content,omitempty"`
	Messages       []replayEntry `json:"messages,omitempty"`
	PermissionMode string        `json:"permissionMode,omitempty"`
	MaxTurns       int           `json:"maxTurns,omitempty"`
}

type replayEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type outputFrame struct {
	Type    string `json:"type"` // delta|toolCall|toolResult|done|error
	Text    string `json:"text,omitempty"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
	Message string `json:"message,omitempty"`
}

// Launch validates the workspace, spawns the worker and hands it the
// replay context so the process can continue the conversation as if it
// had been running all along.
func (l *ExecLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	command := l.Command
	if command == "" {
		command = "mensa-worker"
	}

	info, err := os.Stat(opts.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("%w: workspace does not exist: %s", thread.ErrSpawnFailed, opts.WorkspacePath)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: workspace is not a directory: %s", thread.ErrSpawnFailed, opts.WorkspacePath)
	}

	args := append(append([]string{}, l.Args...), "--cwd", opts.WorkspacePath)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.WorkspacePath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawning %s: %v", thread.ErrSpawnFailed, command, err)
	}

	p := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		outbound: make(chan inputFrame, outboundBuffer),
	}

	// Surface worker diagnostics without mixing them into the event stream.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				log.Printf("worker[%s]: %s", opts.ThreadID, line)
			}
		}
	}()

	go p.readEvents(stdout)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitCode = exitCodeOf(cmd, err)
		p.mu.Unlock()
		close(p.done)
	}()

	if err := p.sendReplay(opts); err != nil {
		p.Kill()
		return nil, fmt.Errorf("sending replay context: %w", err)
	}
	go p.writeLoop()

	return p, nil
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// execProcess manages one spawned worker process. Input frames are
// queued on outbound and written by a dedicated goroutine, so a worker
// that stalls on stdin never blocks the caller of Send.
type execProcess struct {
	cmd      *exec.Cmd
	events   chan Event
	done     chan struct{}
	outbound chan inputFrame

	mu       sync.Mutex
	stdin    io.WriteCloser
	killed   bool
	exitCode int
}

func (p *execProcess) sendReplay(opts LaunchOptions) error {
	entries := make([]replayEntry, 0, len(opts.Replay))
	for _, m := range opts.Replay {
		entries = append(entries, replayEntry{Role: m.Role, Content: m.Content})
	}
	return p.writeFrame(inputFrame{
		Type:           "replay",
		Messages:       entries,
		PermissionMode: opts.PermissionMode,
		MaxTurns:       opts.MaxTurns,
	})
}

// Send queues one user input for delivery on stdin. The pipe write runs
// on the writer goroutine; a full queue fails fast rather than blocking.
func (p *execProcess) Send(content string) error {
	p.mu.Lock()
	closed := p.stdin == nil
	p.mu.Unlock()
	if closed {
		return ErrNoSession
	}
	select {
	case p.outbound <- inputFrame{Type: "user", Content: content}:
		return nil
	case <-p.done:
		return ErrNoSession
	default:
		return fmt.Errorf("worker not reading input, %d frames backlogged", cap(p.outbound))
	}
}

// writeLoop drains queued input frames onto stdin in order.
func (p *execProcess) writeLoop() {
	for {
		select {
		case frame := <-p.outbound:
			if err := p.writeFrame(frame); err != nil {
				if !errors.Is(err, ErrNoSession) {
					log.Printf("worker: writing input: %v", err)
				}
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *execProcess) writeFrame(frame inputFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	// The write happens outside the lock so Kill and CloseStdin stay
	// responsive while a stalled pipe blocks here.
	if stdin == nil {
		return ErrNoSession
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// CloseStdin closes the input pipe, signalling the worker to finish up
// and exit on its own.
func (p *execProcess) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Kill terminates the process immediately.
func (p *execProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed && p.cmd.Process != nil {
		p.killed = true
		p.cmd.Process.Kill()
	}
}

func (p *execProcess) Events() <-chan Event { return p.events }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// ExitCode is valid once Done is closed.
func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// readEvents parses stdout lines into events until the pipe closes.
func (p *execProcess) readEvents(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.events <- parseLine(line)
	}
	if err := scanner.Err(); err != nil {
		p.events <- Event{Type: EventCrashed, Reason: fmt.Sprintf("reading worker output: %v", err)}
	}
}

// parseLine maps one stdout line to an event. Lines that are not valid
// frames are passed through as plain output deltas.
func parseLine(line string) Event {
	var frame outputFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return Event{Type: EventDelta, Text: line}
	}
	switch frame.Type {
	case "delta":
		return Event{Type: EventDelta, Text: frame.Text}
	case "toolCall":
		return Event{Type: EventToolCall, ToolID: frame.ID, ToolName: frame.Name, Payload: frame.Input}
	case "toolResult":
		return Event{Type: EventToolResult, ToolID: frame.ID, ToolName: frame.Name, Payload: frame.Output, ToolErr: frame.IsError}
	case "done":
		return Event{Type: EventDone}
	case "error":
		return Event{Type: EventCrashed, Reason: frame.Message}
	default:
		return Event{Type: EventDelta, Text: line}
	}
}

var (
	_ Launcher = (*ExecLauncher)(nil)
	_ Process  = (*execProcess)(nil)
)
