package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-anon/pkg/domain"
)

// RegoOptions control Rego engine construction.
type RegoOptions struct {
	// Entrypoint is the decision path (e.g. "polis/anon/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
}

// RegoEngine evaluates operator supplied Rego policies against requests. The
// entrypoint must produce an object of the form {"action": "allow"|"deny",
// "reason": "..."}. An undefined result yields a decision without verdict.
type RegoEngine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const defaultRegoEntrypoint = "polis/anon/decision"

// NewRegoEngine compiles the supplied modules and prepares the entrypoint.
func NewRegoEngine(ctx context.Context, opts RegoOptions) (*RegoEngine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultRegoEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("rego engine requires at least one module")
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &RegoEngine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the entrypoint to surface compile errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Entrypoint returns the decision path queried by the engine.
func (e *RegoEngine) Entrypoint() string { return e.entrypoint }

// Evaluate runs the entrypoint with the request as input.
func (e *RegoEngine) Evaluate(ctx context.Context, req domain.Request) (domain.Decision, error) {
	prepared, err := e.getPreparedQuery(ctx, e.entrypoint)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(requestInput(req)))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.Decision{}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return domain.Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	action, err := parseAction(payload["action"])
	if err != nil {
		return domain.Decision{}, err
	}
	reason, _ := payload["reason"].(string)

	switch action {
	case domain.ActionDeny:
		return domain.Deny(reason), nil
	case domain.ActionAllow:
		// Rego never rewrites headers; pass the incoming ones through.
		decision := domain.Allow(req.Headers.Clone())
		decision.Reason = reason
		return decision, nil
	default:
		return domain.Decision{}, nil
	}
}

func (e *RegoEngine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}

	e.queries[entry] = &prepared
	return &prepared, nil
}

func requestInput(req domain.Request) map[string]any {
	headers := make([]any, 0, len(req.Headers))
	for _, h := range req.Headers {
		headers = append(headers, map[string]any{"name": h.Name, "value": h.Value})
	}

	return map[string]any{
		"id":     req.ID,
		"method": req.Method,
		"url":    req.URL,
		"type":   string(req.Type),
		"classification": map[string]any{
			"first_party": stringsToAny(req.Classification.FirstParty),
			"third_party": stringsToAny(req.Classification.ThirdParty),
		},
		"headers": headers,
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func parseAction(value any) (domain.Action, error) {
	if value == nil {
		return "", nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "allow":
		return domain.ActionAllow, nil
	case "deny", "block":
		return domain.ActionDeny, nil
	default:
		return "", fmt.Errorf("opa decision: unknown action %q", text)
	}
}
