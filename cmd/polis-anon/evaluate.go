package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-anon/pkg/config"
	"github.com/polisai/polis-anon/pkg/domain"
	"github.com/polisai/polis-anon/pkg/engine"
	"github.com/polisai/polis-anon/pkg/logging"
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one captured request and print the decision",
		Long: `Reads a webRequest onBeforeSendHeaders details object as JSON and prints
the blocking response: {"cancel":true}, {"requestHeaders":[...]} or {}.`,
		Args: cobra.NoArgs,
		RunE: runEvaluate,
	}
	cmd.Flags().StringP("file", "f", "", "Request JSON file (default stdin)")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return cmd
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return fmt.Errorf("failed to get file flag: %w", err)
	}
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	baseDir := ""
	if configPath != "" {
		baseDir = filepath.Dir(configPath)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})

	req, err := readRequest(cmd.InOrStdin(), file)
	if err != nil {
		return err
	}

	rt, err := engine.NewEngineFactory(baseDir, logger).Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	decision, err := rt.Evaluator.Evaluate(cmd.Context(), req)
	if err != nil {
		return err
	}

	return json.NewEncoder(cmd.OutOrStdout()).Encode(decision.Response())
}

func readRequest(stdin io.Reader, file string) (domain.Request, error) {
	var req domain.Request

	src := stdin
	if file != "" && file != "-" {
		// #nosec G304 -- Path is supplied by the operator on the command line
		f, err := os.Open(file)
		if err != nil {
			return req, fmt.Errorf("failed to open request file: %w", err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	if err := json.NewDecoder(src).Decode(&req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}
