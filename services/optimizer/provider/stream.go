// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
)

const streamMaxTurns = 10

// editToolNames are the tool calls that count as edits for the
// soft-success policy.
var editToolNames = map[string]bool{
	"write_file": true,
	"edit_file":  true,
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventKind discriminates StreamEvent.
type StreamEventKind int

const (
	// EventAssistantText carries a text delta from the assistant.
	EventAssistantText StreamEventKind = iota

	// EventToolCall carries one complete tool invocation.
	EventToolCall

	// EventResult marks clean stream completion.
	EventResult

	// EventStreamError is the terminal error event. The streaming
	// goroutine pushes it instead of failing past iteration.
	EventStreamError

	// EventUnknown is an unrecognized payload, skipped by consumers.
	EventUnknown
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StreamEvent is the tagged message flowing from the stream goroutine
// to the consumer loop.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall ToolCall
	Err      error
}

// =============================================================================
// Stream Runner
// =============================================================================

// StreamRunner drives a streaming chat completion with a local
// read/write/edit tool set executed against the staged workspace.
//
// # Description
//
// Each turn opens a stream; a goroutine converts raw chunks into
// StreamEvents over a channel so mid-stream failures surface as a
// terminal EventStreamError rather than breaking iteration. Tool
// calls requested by the model are executed locally, confined to the
// working directory with no shell, and their results fed back as tool
// messages for the next turn, up to a fixed turn limit.
//
// A broken stream after at least one edit tool call is reported as a
// soft success with PartialEdits set: the workspace may hold real but
// unverified edits, and the caller re-verifies by hashing.
type StreamRunner struct {
	client   streamClient
	caps     *Capabilities
	logger   *logging.Logger
	model    string
	maxTurns int
}

// streamClient is the slice of the OpenAI client the runner needs,
// separated for tests.
type streamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// NewStreamRunner creates the streaming runner against the configured
// API key. defaultModel is used when a request carries no model.
func NewStreamRunner(caps *Capabilities, defaultModel string, logger *logging.Logger) *StreamRunner {
	if logger == nil {
		logger = logging.Default()
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &StreamRunner{
		client:   openai.NewClient(os.Getenv("OPENAI_API_KEY")),
		caps:     caps,
		logger:   logger,
		model:    defaultModel,
		maxTurns: streamMaxTurns,
	}
}

// Name implements Runner.
func (r *StreamRunner) Name() string { return NameOpenAI }

// Available implements Runner.
func (r *StreamRunner) Available() bool { return r.caps.Available(r.Name()) }

// RunDirectEdit implements Runner.
func (r *StreamRunner) RunDirectEdit(ctx context.Context, req Request) Result {
	workingDir, err := filepath.Abs(req.WorkingDir)
	if err == nil {
		if info, statErr := os.Stat(workingDir); statErr != nil || !info.IsDir() {
			err = fmt.Errorf("working directory not found: %s", workingDir)
		}
	}
	if err != nil {
		msg := fmt.Sprintf("direct-edit working directory not found: %s", req.WorkingDir)
		return Result{Provider: r.Name(), Log: msg, Err: fmt.Errorf("%w: %s", ErrExecutionFailed, msg)}
	}

	before, err := hashfs.Snapshot(workingDir)
	if err != nil {
		return Result{Provider: r.Name(), Log: err.Error(), Err: fmt.Errorf("%w: %v", ErrExecutionFailed, err)}
	}

	model := req.Model
	if model == "" {
		model = r.model
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logLines := []string{
		fmt.Sprintf("Provider: %s (streaming SDK)", r.Name()),
		fmt.Sprintf("Model: %s", model),
		fmt.Sprintf("CWD: %s", workingDir),
	}
	var assistantText []string
	var streamErr error
	editToolCalls := 0

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}

turns:
	for turn := 1; turn <= r.maxTurns; turn++ {
		events := r.openStream(runCtx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    editTools(),
		})

		var turnText strings.Builder
		var turnCalls []ToolCall
		for event := range events {
			switch event.Kind {
			case EventAssistantText:
				turnText.WriteString(event.Text)
			case EventToolCall:
				turnCalls = append(turnCalls, event.ToolCall)
				if editToolNames[event.ToolCall.Name] {
					editToolCalls++
				}
				logLines = append(logLines, fmt.Sprintf("  Tool: %s(%s)",
					event.ToolCall.Name, summarizeToolArgs(event.ToolCall.Arguments)))
			case EventStreamError:
				streamErr = event.Err
				logLines = append(logLines, fmt.Sprintf("  Stream interrupted: %v", event.Err))
			case EventResult, EventUnknown:
				// Unknown payloads are skipped; Result just closes the turn.
			}
		}
		if text := turnText.String(); text != "" {
			assistantText = append(assistantText, text)
		}
		if streamErr != nil {
			break turns
		}
		if len(turnCalls) == 0 {
			break turns
		}

		messages = append(messages, assistantToolMessage(turnText.String(), turnCalls))
		for _, call := range turnCalls {
			output, toolErr := executeToolCall(workingDir, call)
			if toolErr != nil {
				output = "error: " + toolErr.Error()
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		errMsg := fmt.Sprintf("%s timed out after %s", r.Name(), timeout)
		return Result{
			Provider:   r.Name(),
			StdoutTail: TailText(strings.Join(assistantText, "\n")),
			Log:        strings.Join(logLines, "\n"),
			Err:        fmt.Errorf("%w: %s", ErrTimeout, errMsg),
		}
	}

	after, err := hashfs.Snapshot(workingDir)
	if err != nil {
		return Result{Provider: r.Name(), Log: strings.Join(logLines, "\n"), Err: fmt.Errorf("%w: %v", ErrExecutionFailed, err)}
	}
	changed := changedPathsOf(hashfs.DiffSnapshots(before, after, nil))

	if streamErr != nil && editToolCalls > 0 {
		// Soft success: real edits landed before the stream broke.
		// The caller re-verifies the workspace via the guards.
		r.logger.Warn("stream broke after edit tool calls, treating as soft success",
			"provider", r.Name(), "edit_calls", editToolCalls, "error", streamErr)
		return Result{
			OK:           true,
			Provider:     r.Name(),
			Command:      []string{fmt.Sprintf("%s-stream:%s", r.Name(), model)},
			ChangedPaths: changed,
			StdoutTail:   TailText(strings.Join(assistantText, "\n")),
			Log:          strings.Join(logLines, "\n"),
			PartialEdits: true,
		}
	}
	if streamErr != nil {
		return Result{
			Provider:   r.Name(),
			StdoutTail: TailText(strings.Join(assistantText, "\n")),
			Log:        strings.Join(logLines, "\n"),
			Err:        fmt.Errorf("%w: %v", ErrExecutionFailed, streamErr),
		}
	}

	return Result{
		OK:           true,
		Provider:     r.Name(),
		Command:      []string{fmt.Sprintf("%s-stream:%s", r.Name(), model)},
		ChangedPaths: changed,
		StdoutTail:   TailText(strings.Join(assistantText, "\n")),
		Log:          strings.Join(logLines, "\n"),
	}
}

// openStream starts one completion stream and converts its chunks to
// StreamEvents on the returned channel. The channel always terminates
// with either EventResult or EventStreamError.
func (r *StreamRunner) openStream(ctx context.Context, req openai.ChatCompletionRequest) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		stream, err := r.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			events <- StreamEvent{Kind: EventStreamError, Err: err}
			return
		}
		defer stream.Close()

		acc := newToolCallAccumulator()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				for _, call := range acc.finish() {
					events <- StreamEvent{Kind: EventToolCall, ToolCall: call}
				}
				events <- StreamEvent{Kind: EventResult}
				return
			}
			if err != nil {
				events <- StreamEvent{Kind: EventStreamError, Err: err}
				return
			}
			if len(chunk.Choices) == 0 {
				events <- StreamEvent{Kind: EventUnknown}
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				events <- StreamEvent{Kind: EventAssistantText, Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				acc.add(tc)
			}
		}
	}()
	return events
}

// =============================================================================
// Tool Call Accumulation
// =============================================================================

// toolCallAccumulator reassembles tool calls arriving as indexed
// fragments across stream chunks.
type toolCallAccumulator struct {
	order []int
	calls map[int]*ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) add(delta openai.ToolCall) {
	index := 0
	if delta.Index != nil {
		index = *delta.Index
	}
	call, ok := a.calls[index]
	if !ok {
		call = &ToolCall{}
		a.calls[index] = call
		a.order = append(a.order, index)
	}
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Function.Name != "" {
		call.Name += delta.Function.Name
	}
	call.Arguments += delta.Function.Arguments
}

func (a *toolCallAccumulator) finish() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, index := range a.order {
		out = append(out, *a.calls[index])
	}
	return out
}

func assistantToolMessage(text string, calls []ToolCall) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: text,
	}
	for _, call := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return msg
}

// =============================================================================
// Local Tool Execution
// =============================================================================

func editTools() []openai.Tool {
	pathProp := map[string]any{"type": "string", "description": "Relative file path inside the workspace."}
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "read_file",
				Description: "Read a file from the chart workspace.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathProp},
					"required":   []string{"path"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "write_file",
				Description: "Overwrite a file in the chart workspace with new content.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    pathProp,
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "edit_file",
				Description: "Replace the first occurrence of old_string with new_string in a file.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":       pathProp,
						"old_string": map[string]any{"type": "string"},
						"new_string": map[string]any{"type": "string"},
					},
					"required": []string{"path", "old_string", "new_string"},
				},
			},
		},
	}
}

type toolArgs struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// executeToolCall runs one model-requested tool against the workspace.
// Paths must be relative and resolve inside workingDir.
func executeToolCall(workingDir string, call ToolCall) (string, error) {
	var args toolArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", fmt.Errorf("bad tool arguments for %s: %w", call.Name, err)
	}
	path, err := confinePath(workingDir, args.Path)
	if err != nil {
		return "", err
	}

	switch call.Name {
	case "read_file":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", args.Path, err)
		}
		return string(data), nil
	case "write_file":
		if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
			return "", fmt.Errorf("write %s: %w", args.Path, err)
		}
		return "ok", nil
	case "edit_file":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", args.Path, err)
		}
		content := string(data)
		if !strings.Contains(content, args.OldString) {
			return "", fmt.Errorf("old_string not found in %s", args.Path)
		}
		updated := strings.Replace(content, args.OldString, args.NewString, 1)
		if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
			return "", fmt.Errorf("write %s: %w", args.Path, err)
		}
		return "ok", nil
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}

// confinePath resolves rel inside root, rejecting absolute paths and
// traversal.
func confinePath(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %q", rel)
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %q", rel)
	}
	return filepath.Join(root, cleaned), nil
}

func summarizeToolArgs(arguments string) string {
	var args toolArgs
	if err := json.Unmarshal([]byte(arguments), &args); err == nil && args.Path != "" {
		return args.Path
	}
	if len(arguments) > 80 {
		return arguments[:80]
	}
	return arguments
}
