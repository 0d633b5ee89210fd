package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/polisai/polis-anon/pkg/classify"
	"github.com/polisai/polis-anon/pkg/config"
	"github.com/polisai/polis-anon/pkg/policy"
)

// Runtime is the evaluation machinery built from one configuration.
type Runtime struct {
	Evaluator  policy.Evaluator
	Classifier *classify.Classifier
	Trackers   int
	RegoLoaded bool
}

// EngineFactory creates runtimes from configuration.
//
//nolint:revive // EngineFactory is intentionally prefixed for clarity
type EngineFactory struct {
	baseDir string
	logger  *slog.Logger
}

// NewEngineFactory creates a factory resolving relative file paths against
// baseDir, normally the directory of the configuration file.
func NewEngineFactory(baseDir string, logger *slog.Logger) *EngineFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineFactory{baseDir: baseDir, logger: logger}
}

// Build loads tracker lists and Rego modules and composes the evaluator chain.
func (f *EngineFactory) Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: configuration is required")
	}

	trackers := classify.NewTrackerList()
	for _, list := range cfg.Trackers.Lists {
		path := f.resolve(list.Path)
		n, err := trackers.LoadFile(path, list.Format, list.Category)
		if err != nil {
			return nil, fmt.Errorf("engine: load tracker list: %w", err)
		}
		f.logger.Info("tracker list loaded", "path", path, "format", list.Format, "rules", n)
	}

	match, _ := policy.ParseHeaderMatch(cfg.Policy.HeaderMatch)
	opts := []policy.Option{
		policy.WithDenyTags(cfg.Policy.DenyTags...),
		policy.WithUserAgent(cfg.Policy.UserAgent),
		policy.WithHeaderMatch(match),
	}
	if cfg.Logging.Diagnostics {
		opts = append(opts, policy.WithDiagnostics(policy.NewLogDiagnostics(f.logger)))
	}
	builtin := policy.NewRequestPolicy(opts...)

	evaluators := []policy.Evaluator{builtin.Evaluator()}

	regoLoaded := false
	if len(cfg.Policy.Rego.Modules) > 0 {
		modules, err := f.readModules(cfg.Policy.Rego.Modules)
		if err != nil {
			return nil, err
		}
		rego, err := policy.NewRegoEngine(ctx, policy.RegoOptions{
			Entrypoint: cfg.Policy.Rego.Entrypoint,
			Modules:    modules,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: init rego: %w", err)
		}
		f.logger.Info("rego policy loaded", "modules", len(modules), "entrypoint", rego.Entrypoint())
		evaluators = append(evaluators, rego)
		regoLoaded = true
	}

	return &Runtime{
		Evaluator:  policy.NewChain(evaluators...),
		Classifier: classify.NewClassifier(trackers),
		Trackers:   trackers.Len(),
		RegoLoaded: regoLoaded,
	}, nil
}

func (f *EngineFactory) readModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string, len(paths))
	for _, p := range paths {
		path := f.resolve(p)
		// #nosec G304 -- Module paths come from operator configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("engine: read rego module: %w", err)
		}
		modules[path] = string(data)
	}
	return modules, nil
}

func (f *EngineFactory) resolve(path string) string {
	if filepath.IsAbs(path) || f.baseDir == "" {
		return path
	}
	return filepath.Join(f.baseDir, path)
}
