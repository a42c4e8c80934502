package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxLineBytes    = 10 * 1024 * 1024
	stderrTailBytes = 4096
	closeGrace      = 5 * time.Second
)

// CLILauncher runs the agent binary as a subprocess speaking stream-json
// over stdin/stdout.
type CLILauncher struct {
	binaryPath   string
	extraArgs    []string
	maxLineBytes int
}

func NewCLILauncher(binaryPath string, extraArgs []string) *CLILauncher {
	return &CLILauncher{
		binaryPath:   strings.TrimSpace(binaryPath),
		extraArgs:    append([]string(nil), extraArgs...),
		maxLineBytes: maxLineBytes,
	}
}

func (l *CLILauncher) Args(req LaunchRequest) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if id := strings.TrimSpace(req.ResumeConversationID); id != "" {
		args = append(args, "--resume", id)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	return append(args, l.extraArgs...)
}

func (l *CLILauncher) Launch(ctx context.Context, req LaunchRequest) (Conversation, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, l.binaryPath, l.Args(req)...)
	cmd.Dir = req.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent cli: %w", err)
	}

	c := &cliConversation{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		stderr:  stderr,
		lines:   make(chan Message, 64),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
		pending: make(map[string]ControlRequest),
	}
	go c.readLoop(stdout, l.maxLineBytes)
	return c, nil
}

type cliConversation struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	lines   chan Message
	stop    chan struct{}
	exited  chan struct{}
	scanErr error
	waitErr error

	mu      sync.Mutex
	pending map[string]ControlRequest
	closing bool

	closeOnce sync.Once
}

func (c *cliConversation) readLoop(stdout io.Reader, maxLine int) {
	defer close(c.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == MessageTypeControlRequest && msg.Request != nil && msg.Request.Subtype == SubtypeCanUseTool {
			c.mu.Lock()
			c.pending[msg.RequestID] = *msg.Request
			c.mu.Unlock()
		}
		select {
		case c.lines <- msg:
		case <-c.stop:
		}
	}
	if err := scanner.Err(); err != nil {
		// Nobody reads stdout any more, so the process cannot be left running.
		c.scanErr = fmt.Errorf("read agent output: %w", err)
		c.cancel()
	}
	c.waitErr = c.cmd.Wait()
	close(c.exited)
}

func (c *cliConversation) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-c.lines:
		if ok {
			return msg, nil
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	<-c.exited
	if c.scanErr != nil {
		return Message{}, c.scanErr
	}
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if c.waitErr != nil && !closing {
		if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
			return Message{}, fmt.Errorf("agent cli exited: %w: %s", c.waitErr, tail)
		}
		return Message{}, fmt.Errorf("agent cli exited: %w", c.waitErr)
	}
	return Message{}, io.EOF
}

func (c *cliConversation) Send(_ context.Context, in Input) error {
	msg := c.encodeInput(in)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal agent input: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdinClosed {
		return ErrConversationClosed
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write agent input: %w", err)
	}
	return nil
}

func (c *cliConversation) encodeInput(in Input) any {
	if in.ToolCallID == "" {
		return userMessage{
			Type:    MessageTypeUser,
			Message: userMessageBody{Role: "user", Content: in.Text},
		}
	}

	c.mu.Lock()
	req, isPermission := c.pending[in.ToolCallID]
	delete(c.pending, in.ToolCallID)
	c.mu.Unlock()

	if !isPermission {
		return userMessage{
			Type: MessageTypeUser,
			Message: userMessageBody{Role: "user", Content: []toolResultBlock{{
				Type:      "tool_result",
				ToolUseID: in.ToolCallID,
				Content:   in.Text,
			}}},
		}
	}
	return controlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: controlResponse{
			Subtype:   SubtypeSuccess,
			RequestID: in.ToolCallID,
			Response:  PermissionAnswer(req, in.Text),
		},
	}
}

// PermissionAnswer maps a human reply onto a permission decision. Questions
// are always allowed with the answer attached to the tool input.
func PermissionAnswer(req ControlRequest, text string) *PermissionResult {
	if req.ToolName == ToolAskUserQuestion {
		input := make(map[string]any, len(req.Input)+1)
		for k, v := range req.Input {
			input[k] = v
		}
		answers := map[string]any{}
		for _, q := range Questions(req.Input) {
			answers[q.Question] = text
		}
		input["answers"] = answers
		return &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: input}
	}
	if IsApproval(text) {
		return &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: req.Input}
	}
	return &PermissionResult{Behavior: BehaviorDeny, Message: "The user declined: " + strings.TrimSpace(text)}
}

func (c *cliConversation) CloseSend() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdinClosed {
		return nil
	}
	c.stdinClosed = true
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	return c.stdin.Close()
}

func (c *cliConversation) Close() error {
	c.closeOnce.Do(func() {
		_ = c.CloseSend()
		close(c.stop)
		select {
		case <-c.exited:
		case <-time.After(closeGrace):
			c.cancel()
			<-c.exited
		}
		c.cancel()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
