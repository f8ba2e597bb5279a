package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexus-runtime/extrt/internal/policy"
	"github.com/nexus-runtime/extrt/pkg/extapi"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

type fakeToolExecutor struct {
	known  []string
	result *hostiface.ToolResult
	err    error
}

func (f *fakeToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) (*hostiface.ToolResult, error) {
	return f.result, f.err
}

func (f *fakeToolExecutor) KnownTools() []string { return f.known }

func collectEmit() (Emit, *[]extapi.Outcome) {
	outcomes := make([]extapi.Outcome, 0)
	return func(o extapi.Outcome) error {
		outcomes = append(outcomes, o)
		return nil
	}, &outcomes
}

func TestDispatchDeniesUnlistedCapability(t *testing.T) {
	p := policy.New(policy.ProfileSafe)
	tool := &ToolHandler{Executor: &fakeToolExecutor{known: []string{"bash"}}}
	d := New(p, nil, tool)

	emit, outcomes := collectEmit()
	payload, _ := json.Marshal(map[string]string{"name": "bash"})
	err := d.Dispatch(context.Background(), "ext-a", extapi.Request{Kind: extapi.KindTool, Payload: payload}, emit)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(*outcomes) != 1 || (*outcomes)[0].OK {
		t.Fatalf("expected a single denial outcome, got %+v", *outcomes)
	}
	if (*outcomes)[0].Code != extapi.CodeDenied {
		t.Fatalf("expected DENIED code, got %q", (*outcomes)[0].Code)
	}
	if (*outcomes)[0].Message != "exec" {
		t.Fatalf("expected coarse capability name %q in message, got %q", "exec", (*outcomes)[0].Message)
	}
}

func TestDeniedMessageUsesCoarseCapabilityName(t *testing.T) {
	cases := []struct{ capability, want string }{
		{"exec:run", "exec"},
		{"http:fetch", "http"},
		{"session:write", "session"},
		{"ui:interact", "ui"},
		{"tool:write", "write"},
		{"tool:edit", "write"},
		{"tool:read", "read"},
		{"tool:bash", "exec"},
		{"tool:custom-thing", "tool"},
	}
	for _, c := range cases {
		if got := DeniedMessage(c.capability); got != c.want {
			t.Errorf("DeniedMessage(%q) = %q, want %q", c.capability, got, c.want)
		}
	}
}

func TestUiAllowedUnderSafeProfile(t *testing.T) {
	p := policy.New(policy.ProfileSafe)
	d := New(p, nil, &UiHandler{})

	emit, outcomes := collectEmit()
	err := d.Dispatch(context.Background(), "ext-a", extapi.Request{Kind: extapi.KindUi}, emit)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(*outcomes) != 1 || !(*outcomes)[0].OK {
		t.Fatalf("expected ui call to succeed under safe, got %+v", *outcomes)
	}
}

func TestDispatchAllowsKnownToolCapability(t *testing.T) {
	p := policy.New(policy.ProfileSafe)
	tool := &ToolHandler{Executor: &fakeToolExecutor{
		known:  []string{"read"},
		result: &hostiface.ToolResult{Content: "file contents"},
	}}
	d := New(p, nil, tool)

	emit, outcomes := collectEmit()
	payload, _ := json.Marshal(map[string]string{"name": "read"})
	err := d.Dispatch(context.Background(), "ext-a", extapi.Request{Kind: extapi.KindTool, Payload: payload}, emit)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(*outcomes) != 1 || !(*outcomes)[0].OK {
		t.Fatalf("expected success outcome, got %+v", *outcomes)
	}
}

func TestDispatchUnknownKindIsInvalidRequest(t *testing.T) {
	p := policy.New(policy.ProfilePermissive)
	d := New(p, nil)
	emit, outcomes := collectEmit()
	err := d.Dispatch(context.Background(), "ext-a", extapi.Request{Kind: extapi.Kind("bogus")}, emit)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if (*outcomes)[0].Code != extapi.CodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %q", (*outcomes)[0].Code)
	}
}

type fakeSession struct {
	name string
}

func (f *fakeSession) GetState(ctx context.Context) (hostiface.SessionSnapshot, error) {
	return hostiface.SessionSnapshot{Name: f.name}, nil
}
func (f *fakeSession) GetMessages(ctx context.Context) ([]hostiface.Message, error) { return nil, nil }
func (f *fakeSession) GetName(ctx context.Context) (string, error)                  { return f.name, nil }
func (f *fakeSession) SetName(ctx context.Context, name string) error               { f.name = name; return nil }
func (f *fakeSession) GetModel(ctx context.Context) (string, error)                 { return "", nil }
func (f *fakeSession) SetModel(ctx context.Context, model string) error             { return nil }
func (f *fakeSession) SetLabel(ctx context.Context, key, value string) error        { return nil }
func (f *fakeSession) GetThinkingLevel(ctx context.Context) (hostiface.ThinkingLevel, error) {
	return hostiface.ThinkingLow, nil
}
func (f *fakeSession) SetThinkingLevel(ctx context.Context, level hostiface.ThinkingLevel) error {
	return nil
}

func TestSessionHandlerCapabilitySplitsReadWrite(t *testing.T) {
	h := &SessionHandler{Session: &fakeSession{}}
	readReq := extapi.Request{Payload: mustJSON(t, map[string]string{"op": "getName"})}
	writeReq := extapi.Request{Payload: mustJSON(t, map[string]string{"op": "setName"})}

	if got := h.Capability(readReq); got != "session:read" {
		t.Fatalf("expected session:read, got %q", got)
	}
	if got := h.Capability(writeReq); got != "session:write" {
		t.Fatalf("expected session:write, got %q", got)
	}
}

func TestSessionHandlerSetNameRoundTrips(t *testing.T) {
	session := &fakeSession{}
	h := &SessionHandler{Session: session}
	emit, outcomes := collectEmit()

	payload := mustJSON(t, map[string]any{"op": "setName", "args": map[string]string{"name": "new-name"}})
	if err := h.Handle(context.Background(), extapi.Request{Payload: payload}, emit); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if session.name != "new-name" {
		t.Fatalf("expected session name updated, got %q", session.name)
	}
	if !(*outcomes)[0].OK {
		t.Fatalf("expected success outcome, got %+v", *outcomes)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
