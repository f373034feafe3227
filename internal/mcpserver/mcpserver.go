// Package mcpserver exposes the dispatcher's tool surface to agents over
// the Model Context Protocol, using the official Go SDK's streamable HTTP
// transport. Each MCP session maps to one broker session via the
// transport's session id.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/earbridge/earbridge/internal/dispatch"
)

// Server adapts the dispatcher to an MCP server.
type Server struct {
	mcp      *mcpsdk.Server
	dispatch *dispatch.Dispatcher
	log      *slog.Logger
}

// New builds the MCP server with every dispatcher tool registered.
func New(d *dispatch.Dispatcher, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "earbridge", Version: version},
		nil,
	)
	s := &Server{mcp: srv, dispatch: d, log: log}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler to mount on the backend
// address.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s.mcp },
		nil,
	)
}

// registerTools binds each dispatcher tool with its schema. Unknown tool
// names in the spec table are a programming error caught at startup.
func (s *Server) registerTools() {
	registered := make(map[string]bool, len(toolSpecs))
	for _, spec := range toolSpecs {
		s.mcp.AddTool(&mcpsdk.Tool{
			Name:        spec.name,
			Description: spec.description,
			InputSchema: spec.schema(),
		}, s.handle(spec.name))
		registered[spec.name] = true
	}
	for _, name := range s.dispatch.Tools() {
		if !registered[name] {
			panic(fmt.Sprintf("mcpserver: tool %q has no registered schema", name))
		}
	}
}

// handle wraps one dispatcher tool as an MCP tool handler. The dispatcher
// shapes its own errors, so the MCP result is never IsError.
func (s *Server) handle(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args, err := decodeArguments(req.Params.Arguments)
		if err != nil {
			s.log.Warn("bad tool arguments", "tool", name, "err", err)
			return textResult(fmt.Sprintf(`{"error": "invalid arguments: %s", "tool": %q}`, err, name)), nil
		}
		out := s.dispatch.Call(ctx, sessionID(req), name, args)
		return textResult(out), nil
	}
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// decodeArguments tolerates both raw JSON and pre-decoded maps.
func decodeArguments(raw any) (map[string]any, error) {
	switch a := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return a, nil
	case json.RawMessage:
		if len(a) == 0 {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal(a, &out); err != nil {
			return nil, err
		}
		return out, nil
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(a, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported argument payload %T", raw)
	}
}

// sessionID extracts the stable session identity from the transport,
// falling back to the server session's identity when the transport did not
// assign an id.
func sessionID(req *mcpsdk.CallToolRequest) string {
	if req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return id
		}
		return fmt.Sprintf("anon-%p", req.Session)
	}
	return "anon"
}

// toolSpec carries the agent-facing metadata for one tool.
type toolSpec struct {
	name        string
	description string
	props       map[string]*jsonschema.Schema
	required    []string
}

func (t toolSpec) schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: t.props,
		Required:   t.required,
	}
}

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func num(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: desc}
}

var choiceListSchema = &jsonschema.Schema{
	Type:        "array",
	Description: "Choice entries shown to the operator.",
	Items: &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"label":   str("Short label, read aloud while scrolling."),
			"summary": str("One or two sentence explanation, shown on screen."),
		},
		Required: []string{"label"},
	},
}

var toolSpecs = []toolSpec{
	{
		name:        "register_session",
		description: "Register this agent session. Call before any other tool.",
		props: map[string]*jsonschema.Schema{
			"name":         str("Descriptive tab name for this session."),
			"cwd":          str("The agent's current working directory."),
			"hostname":     str("The machine the agent runs on."),
			"tmux_session": str("tmux session name, when applicable."),
			"tmux_pane":    str("tmux pane id, when applicable."),
			"voice":        str("Preferred TTS voice for this session."),
			"emotion":      str("Preferred TTS emotion for this session."),
			"metadata":     {Type: "object", Description: "Arbitrary extra key-value metadata."},
		},
	},
	{
		name:        "rename_session",
		description: "Rename the current session tab.",
		props:       map[string]*jsonschema.Schema{"name": str("The new tab name.")},
		required:    []string{"name"},
	},
	{
		name:        "speak",
		description: "Speak text aloud through the operator's earphones, blocking until playback finishes.",
		props:       map[string]*jsonschema.Schema{"text": str("The text to speak. Keep it to a sentence or two.")},
		required:    []string{"text"},
	},
	{
		name:        "speak_async",
		description: "Speak text aloud without blocking; returns immediately.",
		props:       map[string]*jsonschema.Schema{"text": str("The text to speak.")},
		required:    []string{"text"},
	},
	{
		name:        "speak_urgent",
		description: "Speak text with high priority, interrupting current playback.",
		props:       map[string]*jsonschema.Schema{"text": str("The urgent text to speak.")},
		required:    []string{"text"},
	},
	{
		name:        "present_choices",
		description: "Present choices on the operator's scroll wheel; blocks until one is selected.",
		props: map[string]*jsonschema.Schema{
			"preamble": str("One-sentence summary spoken before the choices appear."),
			"choices":  choiceListSchema,
		},
		required: []string{"preamble", "choices"},
	},
	{
		name:        "present_multi_select",
		description: "Present choices where the operator can toggle several entries before submitting.",
		props: map[string]*jsonschema.Schema{
			"preamble": str("One-sentence summary spoken before the choices appear."),
			"choices":  choiceListSchema,
		},
		required: []string{"preamble", "choices"},
	},
	{
		name:        "set_speed",
		description: "Set the TTS playback speed.",
		props:       map[string]*jsonschema.Schema{"speed": num("Speed multiplier between 0.25 and 4.0.")},
		required:    []string{"speed"},
	},
	{
		name:        "set_voice",
		description: "Set the TTS voice.",
		props:       map[string]*jsonschema.Schema{"voice": str("Voice name for the current TTS model.")},
		required:    []string{"voice"},
	},
	{
		name:        "set_tts_model",
		description: "Set the TTS model.",
		props:       map[string]*jsonschema.Schema{"model": str("TTS model name.")},
		required:    []string{"model"},
	},
	{
		name:        "set_stt_model",
		description: "Set the speech-to-text model.",
		props:       map[string]*jsonschema.Schema{"model": str("STT model name.")},
		required:    []string{"model"},
	},
	{
		name:        "set_emotion",
		description: "Set the TTS emotion or style instruction.",
		props:       map[string]*jsonschema.Schema{"emotion": str("Preset name or custom instruction text.")},
		required:    []string{"emotion"},
	},
	{
		name:        "get_settings",
		description: "Get the current TTS and STT settings.",
	},
	{
		name:        "reload_config",
		description: "Reload the configuration from disk and clear the TTS cache.",
	},
	{
		name:        "run_command",
		description: "Run a shell command on the broker host after operator approval.",
		props:       map[string]*jsonschema.Schema{"command": str("The shell command to run.")},
		required:    []string{"command"},
	},
	{
		name:        "request_close",
		description: "Ask the operator to close this session. Declines carry the operator's reason.",
		props:       map[string]*jsonschema.Schema{"reason": str("Why the agent wants to close.")},
	},
	{
		name:        "check_inbox",
		description: "Drain queued operator messages without waiting for another tool call.",
	},
	{
		name:        "get_logs",
		description: "Get recent broker log lines and this session's speech log.",
		props:       map[string]*jsonschema.Schema{"lines": num("Number of recent lines to return (default 50).")},
	},
	{
		name:        "get_sessions",
		description: "List all live agent sessions with status and metadata.",
	},
	{
		name:        "get_speech_history",
		description: "Get speech and selection history for this session, all sessions, or one by id.",
		props: map[string]*jsonschema.Schema{
			"lines":   num("Number of recent entries (default 30)."),
			"session": str(`"self" (default), "all", or a session id.`),
		},
	},
	{
		name:        "get_current_choices",
		description: "See the choices currently presented to the operator.",
		props: map[string]*jsonschema.Schema{
			"session": str(`"focused" (default) or a session id.`),
		},
	},
}
