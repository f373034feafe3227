package mcpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/earbridge/earbridge/internal/dispatch"
	"github.com/earbridge/earbridge/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := session.NewManager(session.ManagerConfig{})
	d := dispatch.New(dispatch.Config{Sessions: mgr})
	return New(d, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestToolSpecsMatchDispatcher(t *testing.T) {
	s := newTestServer(t)

	specNames := make(map[string]bool, len(toolSpecs))
	for _, spec := range toolSpecs {
		if specNames[spec.name] {
			t.Errorf("duplicate tool spec %q", spec.name)
		}
		specNames[spec.name] = true
	}

	dispatched := s.dispatch.Tools()
	for _, name := range dispatched {
		if !specNames[name] {
			t.Errorf("dispatcher tool %q has no MCP spec", name)
		}
	}
	if len(specNames) != len(dispatched) {
		t.Errorf("spec count = %d, dispatcher count = %d", len(specNames), len(dispatched))
	}
}

func TestToolSchemasAreObjects(t *testing.T) {
	for _, spec := range toolSpecs {
		sch := spec.schema()
		if sch.Type != "object" {
			t.Errorf("%s: schema type = %q, want object", spec.name, sch.Type)
		}
		for _, req := range spec.required {
			if _, ok := spec.props[req]; !ok {
				t.Errorf("%s: required field %q not in properties", spec.name, req)
			}
		}
	}
}

func TestDecodeArguments(t *testing.T) {
	got, err := decodeArguments(json.RawMessage(`{"text": "hello"}`))
	if err != nil {
		t.Fatalf("decodeArguments: %v", err)
	}
	if got["text"] != "hello" {
		t.Errorf("text = %v, want hello", got["text"])
	}

	pre := map[string]any{"speed": 1.5}
	got, err = decodeArguments(pre)
	if err != nil {
		t.Fatalf("decodeArguments(map): %v", err)
	}
	if got["speed"] != 1.5 {
		t.Errorf("speed = %v, want 1.5", got["speed"])
	}

	got, err = decodeArguments(nil)
	if err != nil || got != nil {
		t.Errorf("decodeArguments(nil) = %v, %v, want nil, nil", got, err)
	}

	if _, err := decodeArguments(json.RawMessage(`[1, 2]`)); err == nil {
		t.Error("expected error for non-object arguments")
	}
}
