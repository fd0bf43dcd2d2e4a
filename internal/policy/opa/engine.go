package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rule every enforcement policy must define.
const DecisionQuery = "data.kbudget.enforcement.decision"

//go:embed policies/*.rego
var builtinPolicies embed.FS

// Config selects where policies are loaded from.
type Config struct {
	// PolicyDir holds *.rego files. Empty means the embedded policy.
	PolicyDir string
}

// Engine evaluates enforcement decisions with OPA. It implements
// policy.Evaluator and is safe for concurrent use, including during Reload.
type Engine struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	source := config.PolicyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_source", source).Msg("OPA engine initialized")

	return e, nil
}

// Reload reloads and recompiles all policies. On failure the previously
// prepared query stays in use.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare decision query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	e.logger.Debug().Int("modules", len(modules)).Msg("Decision query prepared")
	return nil
}

// loadPolicies reads every .rego file and checks that it parses.
func (e *Engine) loadPolicies() (map[string]string, error) {
	var (
		fsys    fs.FS
		pattern = "*.rego"
	)
	if e.config.PolicyDir == "" {
		fsys = builtinPolicies
		pattern = "policies/*.rego"
	} else {
		if _, err := os.Stat(e.config.PolicyDir); err != nil {
			return nil, fmt.Errorf("policy directory: %w", err)
		}
		fsys = os.DirFS(e.config.PolicyDir)
	}

	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[filepath.Base(file)] = string(content)
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// Decide implements policy.Evaluator.
func (e *Engine) Decide(ctx context.Context, facts policy.Facts) (policy.Decision, error) {
	startTime := time.Now()

	input := map[string]interface{}{
		"selected":        facts.Selected,
		"limit":           facts.Limit,
		"usage":           facts.Usage,
		"override_active": facts.OverrideActive,
	}

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return policy.Decision{}, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Msg("Decision evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.Decision{}, fmt.Errorf("decision query returned no result")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision policy.Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return policy.Decision{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	switch decision.State {
	case policy.StateUnrestricted, policy.StateRestricted, policy.StateOverridden:
	default:
		return policy.Decision{}, fmt.Errorf("policy returned unknown state %q", decision.State)
	}

	return decision, nil
}
