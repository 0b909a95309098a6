package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
)

const (
	initializeTimeout     = 30 * time.Second
	controlRequestTimeout = 60 * time.Second
)

// Options configure a CLI run.
type Options struct {
	CLIPath        string
	CWD            string
	SessionID      string // id for a fresh session, empty to let the CLI pick
	Resume         string // session id to resume, empty for a fresh session
	ForkSession    bool
	PermissionMode string
	Model          string
	AllowedTools   []string
	MaxTurns       int
	Env            map[string]string
}

// Request is an interactive permission request forwarded from the CLI. The
// run blocks its tool call until Respond is called with this request's ID.
type Request struct {
	ID          string
	ToolName    string
	Input       json.RawMessage
	Suggestions json.RawMessage
}

// Response is the reply to a forwarded Request. UpdatedInput replaces the
// tool input on allow (question forms return answers this way);
// UpdatedPermissions records standing rules such as "always allow this tool".
type Response struct {
	Allow              bool
	Message            string
	UpdatedInput       map[string]any
	UpdatedPermissions []map[string]any
	Interrupt          bool
}

// Runner is one live CLI session. Messages and Requests deliver the stream;
// both close when the process exits.
type Runner struct {
	opts Options
	t    *transport

	ctx    context.Context
	cancel context.CancelFunc

	messages chan models.SessionMessageI
	requests chan Request
	done     chan struct{}

	pendingMu      sync.Mutex
	pendingControl map[string]chan controlResult
	// pendingRequests maps a forwarded permission request id to the tool
	// input it carried, so an allow without a rewrite can echo it back.
	pendingRequests map[string]json.RawMessage

	requestCounter atomic.Int64

	closeOnce sync.Once
}

type controlResult struct {
	response map[string]any
	err      error
}

type controlRequestMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype     string          `json:"subtype"`
		ToolName    string          `json:"tool_name"`
		Input       json.RawMessage `json:"input"`
		Suggestions json.RawMessage `json:"permission_suggestions"`
	} `json:"request"`
}

type controlResponseMsg struct {
	Response struct {
		Subtype   string         `json:"subtype"`
		RequestID string         `json:"request_id"`
		Response  map[string]any `json:"response,omitempty"`
		Error     string         `json:"error,omitempty"`
	} `json:"response"`
}

// Start launches the CLI and completes the control-protocol handshake.
func Start(ctx context.Context, opts Options) (*Runner, error) {
	if opts.CLIPath == "" {
		opts.CLIPath = "claude"
	}

	r := &Runner{
		opts:            opts,
		t:               newTransport(opts.CLIPath, opts.CWD, buildArgs(opts), opts.Env),
		messages:        make(chan models.SessionMessageI, 100),
		requests:        make(chan Request, 10),
		done:            make(chan struct{}),
		pendingControl:  make(map[string]chan controlResult),
		pendingRequests: make(map[string]json.RawMessage),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.t.connect(r.ctx); err != nil {
		r.cancel()
		return nil, err
	}
	go r.route()

	if _, err := r.sendControlRequest(r.ctx, map[string]any{"subtype": "initialize"}, initializeTimeout); err != nil {
		r.Close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	logger.Info().Str("cwd", opts.CWD).Str("resume", opts.Resume).Msg("CLI session initialized")

	return r, nil
}

func buildArgs(opts Options) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.ForkSession {
		args = append(args, "--fork-session")
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return args
}

// Messages returns parsed session messages from the CLI. Closed on exit.
func (r *Runner) Messages() <-chan models.SessionMessageI { return r.messages }

// Requests returns forwarded permission requests. Closed on exit.
func (r *Runner) Requests() <-chan Request { return r.requests }

// Done is closed when the CLI process has exited and routing finished.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Running reports whether the CLI process is still alive.
func (r *Runner) Running() bool { return r.t.isConnected() }

func (r *Runner) route() {
	defer close(r.done)
	defer close(r.requests)
	defer close(r.messages)

	for {
		select {
		case <-r.ctx.Done():
			return

		case data, ok := <-r.t.messages:
			if !ok {
				return
			}

			var msgBase struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &msgBase); err != nil {
				logger.Debug().Err(err).Msg("failed to parse message type")
				continue
			}

			switch msgBase.Type {
			case "control_response":
				r.handleControlResponse(data)
			case "control_request":
				r.handleControlRequest(data)
			case "control_cancel_request":
				// The CLI withdrew a pending request (e.g. on interrupt).
				// The decision machinery treats missing ids as no-ops, so
				// dropping it here is safe.
				r.dropCancelledRequest(data)
			default:
				if msg := models.ParseMessage(data); msg != nil {
					select {
					case r.messages <- msg:
					case <-r.ctx.Done():
						return
					}
				}
			}

		case err, ok := <-r.t.errors:
			if !ok {
				continue
			}
			logger.Error().Err(err).Msg("transport error")
		}
	}
}

func (r *Runner) handleControlRequest(data []byte) {
	var req controlRequestMsg
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Debug().Err(err).Msg("failed to parse control request")
		return
	}

	if req.Request.Subtype != "can_use_tool" {
		r.sendControlResponse(req.RequestID, nil,
			fmt.Errorf("unsupported control request subtype: %s", req.Request.Subtype))
		return
	}

	r.pendingMu.Lock()
	r.pendingRequests[req.RequestID] = req.Request.Input
	r.pendingMu.Unlock()

	select {
	case r.requests <- Request{
		ID:          req.RequestID,
		ToolName:    req.Request.ToolName,
		Input:       req.Request.Input,
		Suggestions: req.Request.Suggestions,
	}:
	case <-r.ctx.Done():
	}
}

func (r *Runner) dropCancelledRequest(data []byte) {
	var msg struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	r.pendingMu.Lock()
	delete(r.pendingRequests, msg.RequestID)
	r.pendingMu.Unlock()
}

// Respond answers a forwarded permission request. Exactly one response per
// request id is accepted; later calls return an error.
func (r *Runner) Respond(requestID string, resp Response) error {
	r.pendingMu.Lock()
	input, ok := r.pendingRequests[requestID]
	if !ok {
		r.pendingMu.Unlock()
		return fmt.Errorf("no pending request %s", requestID)
	}
	delete(r.pendingRequests, requestID)
	r.pendingMu.Unlock()

	var payload map[string]any
	if resp.Allow {
		payload = map[string]any{"behavior": "allow"}
		switch {
		case resp.UpdatedInput != nil:
			payload["updatedInput"] = resp.UpdatedInput
		case len(input) > 0:
			payload["updatedInput"] = input
		default:
			payload["updatedInput"] = map[string]any{}
		}
		if len(resp.UpdatedPermissions) > 0 {
			payload["updatedPermissions"] = resp.UpdatedPermissions
		}
	} else {
		payload = map[string]any{"behavior": "deny", "message": resp.Message}
		if resp.Interrupt {
			payload["interrupt"] = true
		}
	}
	r.sendControlResponse(requestID, payload, nil)
	return nil
}

func (r *Runner) sendControlResponse(requestID string, responseData map[string]any, respErr error) {
	inner := map[string]any{"request_id": requestID}
	if respErr != nil {
		inner["subtype"] = "error"
		inner["error"] = respErr.Error()
	} else {
		inner["subtype"] = "success"
		inner["response"] = responseData
	}
	msg := map[string]any{"type": "control_response", "response": inner}

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal control response")
		return
	}
	if err := r.t.write(string(data) + "\n"); err != nil {
		logger.Error().Err(err).Msg("failed to send control response")
	}
}

func (r *Runner) handleControlResponse(data []byte) {
	var resp controlResponseMsg
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.Debug().Err(err).Msg("failed to parse control response")
		return
	}

	r.pendingMu.Lock()
	ch, ok := r.pendingControl[resp.Response.RequestID]
	if ok {
		delete(r.pendingControl, resp.Response.RequestID)
	}
	r.pendingMu.Unlock()
	if !ok {
		logger.Debug().Str("requestId", resp.Response.RequestID).Msg("response for unknown control request")
		return
	}

	result := controlResult{response: resp.Response.Response}
	if resp.Response.Subtype == "error" {
		result.err = fmt.Errorf("%s", resp.Response.Error)
	}
	ch <- result
}

func (r *Runner) sendControlRequest(ctx context.Context, request map[string]any, timeout time.Duration) (map[string]any, error) {
	requestID := fmt.Sprintf("req_%d_%s", r.requestCounter.Add(1), uuid.NewString()[:8])

	ch := make(chan controlResult, 1)
	r.pendingMu.Lock()
	r.pendingControl[requestID] = ch
	r.pendingMu.Unlock()

	msg := map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := r.t.write(string(data) + "\n"); err != nil {
		r.pendingMu.Lock()
		delete(r.pendingControl, requestID)
		r.pendingMu.Unlock()
		return nil, err
	}

	select {
	case result := <-ch:
		return result.response, result.err
	case <-time.After(timeout):
		r.pendingMu.Lock()
		delete(r.pendingControl, requestID)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("control request timed out after %s", timeout)
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pendingControl, requestID)
		r.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

// SendUserMessage writes a user turn to the CLI's stdin.
func (r *Runner) SendUserMessage(ctx context.Context, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
		"parent_tool_use_id": nil,
		"session_id":         "default",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.t.write(string(data) + "\n")
}

// Interrupt asks the CLI to stop the current turn.
func (r *Runner) Interrupt(ctx context.Context) error {
	_, err := r.sendControlRequest(ctx, map[string]any{"subtype": "interrupt"}, controlRequestTimeout)
	return err
}

// SetPermissionMode switches the CLI's permission mode mid-session.
func (r *Runner) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := r.sendControlRequest(ctx, map[string]any{
		"subtype": "set_permission_mode",
		"mode":    mode,
	}, controlRequestTimeout)
	return err
}

// SetModel switches the model mid-session.
func (r *Runner) SetModel(ctx context.Context, model string) error {
	_, err := r.sendControlRequest(ctx, map[string]any{
		"subtype": "set_model",
		"model":   model,
	}, controlRequestTimeout)
	return err
}

// Close terminates the CLI process and releases resources.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.t.close()
		r.cancel()
	})
	return err
}
