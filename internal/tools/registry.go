// Package tools holds the registry of capabilities the model may invoke
// mid-turn. Endpoints are data driven: each one is either an in-process
// handler or a remote HTTP call, and execution never returns a Go error to
// the caller. Failures become {"ok": false, "error": ...} payloads so a
// broken tool degrades the answer instead of killing the turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/margaux/internal/brain"
	"github.com/antoniostano/margaux/internal/reliability"
)

// Handler executes a local tool. payload is the decoded "payload" argument
// object, possibly nil.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Endpoint describes one registered tool. Exactly one of Handler or URL must
// be set.
type Endpoint struct {
	Name        string
	Description string
	// Parameters is the JSON schema advertised to the model. Leave nil to
	// use the default single "payload" object.
	Parameters json.RawMessage

	Handler Handler

	URL     string
	Method  string
	Timeout time.Duration
}

const defaultParameters = `{"type":"object","properties":{"payload":{"type":"object","description":"Tool input payload."}},"required":[]}`

// Registry owns the tool table. Registration happens at startup; Execute and
// Specs are safe for concurrent use afterwards.
type Registry struct {
	endpoints map[string]Endpoint
	client    *http.Client
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Register adds an endpoint, rejecting duplicates and malformed definitions.
func (r *Registry) Register(ep Endpoint) error {
	name := strings.TrimSpace(ep.Name)
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if _, exists := r.endpoints[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	hasLocal := ep.Handler != nil
	hasRemote := strings.TrimSpace(ep.URL) != ""
	if hasLocal == hasRemote {
		return fmt.Errorf("tool %q must define exactly one of handler or url", name)
	}
	if hasRemote && ep.Method == "" {
		ep.Method = http.MethodPost
	}
	ep.Name = name
	r.endpoints[name] = ep
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs builds the function manifest advertised to the model.
func (r *Registry) Specs() []brain.ToolSpec {
	specs := make([]brain.ToolSpec, 0, len(r.endpoints))
	for _, name := range r.Names() {
		ep := r.endpoints[name]
		params := ep.Parameters
		if len(params) == 0 {
			params = json.RawMessage(defaultParameters)
		}
		specs = append(specs, brain.ToolSpec{
			Type: "function",
			Function: brain.ToolFunction{
				Name:        ep.Name,
				Description: ep.Description,
				Parameters:  params,
			},
		})
	}
	return specs
}

// Execute runs one tool call and always returns a result object. Unknown
// tools, bad arguments, handler errors and remote failures all come back as
// ok=false payloads.
func (r *Registry) Execute(ctx context.Context, name, arguments string) map[string]any {
	ep, ok := r.endpoints[strings.TrimSpace(name)]
	if !ok {
		return failure(fmt.Sprintf("tool_not_found: %s", strings.TrimSpace(name)))
	}

	payload, err := decodePayload(arguments)
	if err != nil {
		return failure(fmt.Sprintf("invalid arguments: %v", err))
	}

	if ep.Handler != nil {
		data, err := ep.Handler(ctx, payload)
		if err != nil {
			return failure(err.Error())
		}
		out := map[string]any{"ok": true}
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	return r.executeRemote(ctx, ep, payload)
}

func (r *Registry) executeRemote(ctx context.Context, ep Endpoint, payload map[string]any) map[string]any {
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure(fmt.Sprintf("encode payload: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL, strings.NewReader(string(body)))
	if err != nil {
		return failure(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return failure(fmt.Sprintf("call %s: %v", ep.Name, err))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return failure(fmt.Sprintf("read response: %v", err))
	}

	out := map[string]any{
		"ok":          res.StatusCode >= 200 && res.StatusCode < 300,
		"status_code": res.StatusCode,
	}
	if !out["ok"].(bool) {
		out["error"] = fmt.Sprintf("http status %d", res.StatusCode)
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			out["retryable"] = true
		}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "application/json") {
		var data any
		if err := json.Unmarshal(raw, &data); err == nil {
			out["data"] = data
			return out
		}
	}
	out["text"] = strings.TrimSpace(string(raw))
	return out
}

func decodePayload(arguments string) (map[string]any, error) {
	arguments = strings.TrimSpace(arguments)
	if arguments == "" || arguments == "{}" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, err
	}
	if inner, ok := args["payload"].(map[string]any); ok {
		return inner, nil
	}
	return args, nil
}

func failure(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}
