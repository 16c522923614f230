package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aipo-project/aipo/pkg/adapter"
	"github.com/aipo-project/aipo/pkg/cache"
	"github.com/aipo-project/aipo/pkg/capture"
	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/costs"
	"github.com/aipo-project/aipo/pkg/detector"
	"github.com/aipo-project/aipo/pkg/gate"
	"github.com/aipo-project/aipo/pkg/judge"
	"github.com/aipo-project/aipo/pkg/memory"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/orchestrator"
	"github.com/aipo-project/aipo/pkg/paths"
	"github.com/aipo-project/aipo/pkg/ratelimit"
)

// engineOptions selects what a command needs from the engine assembly.
type engineOptions struct {
	TargetName string
	Model      string // overrides the target's configured model
	JudgeKind  string // overrides config
	Threshold  float64
	PolicyPath string

	MultiTurn bool
	MaxTurns  int
	Scoring   string // reduce mode override
	Strategy  string

	DisableCache bool
	NeedMemory   bool

	// RPM overrides the target's requests-per-minute budget (--max-rate).
	RPM int
	// Stealth serializes target calls; DelayMin/DelayMax add a random pause
	// before each one.
	Stealth  bool
	DelayMin time.Duration
	DelayMax time.Duration
	// Capture, when set, receives every target exchange.
	Capture *capture.Capture
}

// engine owns every per-run handle: adapter transports, cache and memory
// databases, the rate limiter, and the orchestrator wired over them.
// Construction and teardown are explicit and deterministic.
type engine struct {
	cfg    *config.Config
	layout paths.Layout

	targetName string
	targetCfg  *config.TargetConfig
	target     adapter.Adapter
	judgeA     adapter.Adapter // judge model transport, when an LLM judge is used

	policy     *models.Policy
	policyHash string

	cache   *cache.Store
	memory  *memory.Store
	limits  *ratelimit.Registry
	limiter ratelimit.Acquirer
	orch    *orchestrator.Orchestrator
}

// buildEngine assembles the evaluation engine from configuration plus command
// options. Failures here are configuration problems and exit with code 2.
func buildEngine(ctx context.Context, cfg *config.Config, opts engineOptions) (*engine, error) {
	layout := paths.Resolve(flagOutputDir)
	if err := layout.EnsureAll(); err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}

	targetName := opts.TargetName
	if targetName == "" {
		targetName = cfg.DefaultTarget
	}
	targetCfg, ok := cfg.Target(targetName)
	if !ok || targetCfg == nil {
		return nil, exitWith(gate.ExitUsage,
			fmt.Errorf("%w: %q (configure it under targets)", config.ErrTargetNotFound, targetName))
	}
	// Commands may override the model without touching shared config.
	tc := *targetCfg
	if opts.Model != "" {
		tc.Model = opts.Model
	}
	if opts.Stealth {
		tc.Serialize = true
	}

	e := &engine{cfg: cfg, layout: layout, targetName: targetName, targetCfg: &tc}
	built := false
	defer func() {
		if !built {
			e.Close()
		}
	}()

	policy, policyHash, err := loadPolicy(opts.PolicyPath)
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}
	e.policy = policy
	e.policyHash = policyHash

	target, err := adapter.New(e.targetName, e.targetCfg)
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}
	target = adapter.WithDelay(target, opts.DelayMin, opts.DelayMax)
	if opts.Capture != nil {
		target = adapter.WithCapture(target, opts.Capture, captureEndpoint(e.targetCfg))
	}
	e.target = adapter.WithRetries(target, cfg.Runner.MaxRetries)

	rpm := e.targetCfg.RPM
	if opts.RPM > 0 {
		rpm = opts.RPM
	}
	if rpm == 0 {
		rpm = cfg.RateLimits.DefaultRPM
	}
	tpm := e.targetCfg.TPM
	if tpm == 0 {
		tpm = cfg.RateLimits.DefaultTPM
	}
	e.limits = ratelimit.NewRegistry(cfg.RateLimits.DefaultRPM, cfg.RateLimits.DefaultTPM)
	if cfg.RateLimits.GlobalRPM > 0 || cfg.RateLimits.GlobalTPM > 0 {
		e.limits.ConfigureGlobal(cfg.RateLimits.GlobalRPM, cfg.RateLimits.GlobalTPM)
	}
	e.limits.Configure(targetName, rpm, tpm, jitterWindow(e.targetCfg, cfg))
	e.limiter = e.limits.Composite(targetName)

	if cfg.CacheEnabled() && !opts.DisableCache {
		cachePath := cfg.Cache.Path
		if cachePath == "" {
			cachePath = filepath.Join(layout.Cache, "responses.db")
		}
		ttls := make(map[string]time.Duration, len(cfg.Cache.TTLs))
		for tag, d := range cfg.Cache.TTLs {
			ttls[tag] = d.Std()
		}
		store, err := cache.Open(ctx, cache.Options{
			Path:   cachePath,
			Policy: cache.VersionPolicy(cfg.Cache.Policy),
			TTLs:   ttls,
		})
		if err != nil {
			return nil, exitWith(gate.ExitUsage, err)
		}
		e.cache = store
	}

	if opts.MultiTurn || opts.NeedMemory {
		mem, err := openMemory(ctx, cfg, layout)
		if err != nil {
			return nil, exitWith(gate.ExitUsage, err)
		}
		e.memory = mem
	}

	j, judgeAdapter, err := buildJudge(cfg, opts.JudgeKind, e.limits)
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}
	e.judgeA = judgeAdapter

	detectors, err := buildDetectors(policy)
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}

	orchCfg := cfg.Orchestration
	if opts.MaxTurns > 0 {
		orchCfg.MaxTurns = opts.MaxTurns
	}
	if opts.Scoring != "" {
		orchCfg.Reduce = opts.Scoring
	}
	if opts.Strategy != "" {
		orchCfg.Strategy = opts.Strategy
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = cfg.Judge.Threshold
	}
	if threshold == 0 {
		threshold = policy.EffectiveJudgeThreshold()
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Target:        e.target,
		TargetCfg:     e.targetCfg,
		Judge:         j,
		Detectors:     detectors,
		Cache:         e.cache,
		Limiter:       e.limiter,
		Memory:        e.memory,
		Costs:         costs.DefaultTable().Merge(cfg.Costs),
		Threshold:     threshold,
		MultiTurn:     opts.MultiTurn,
		Orchestration: orchCfg,
	})
	if err != nil {
		return nil, exitWith(gate.ExitUsage, err)
	}
	e.orch = orch

	built = true
	return e, nil
}

// Close releases every handle the engine owns. Safe on partially built
// engines.
func (e *engine) Close() {
	if e.target != nil {
		if err := e.target.Close(); err != nil {
			slog.Warn("Failed to close target adapter", "error", err)
		}
	}
	if e.judgeA != nil {
		if err := e.judgeA.Close(); err != nil {
			slog.Warn("Failed to close judge adapter", "error", err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			slog.Warn("Failed to close response cache", "error", err)
		}
	}
	if e.memory != nil {
		if err := e.memory.Close(); err != nil {
			slog.Warn("Failed to close conversation memory", "error", err)
		}
	}
}

// fingerprint identifies the target in evidence manifests.
func (e *engine) fingerprint() string {
	return fmt.Sprintf("%s/%s/%s", e.targetCfg.Provider, e.targetName, e.targetCfg.Model)
}

// threshold returns the effective judge threshold the orchestrator uses.
func (e *engine) threshold(opts engineOptions) float64 {
	if opts.Threshold != 0 {
		return opts.Threshold
	}
	if e.cfg.Judge.Threshold != 0 {
		return e.cfg.Judge.Threshold
	}
	return e.policy.EffectiveJudgeThreshold()
}

// loadPolicy reads the policy document, or returns an empty policy when no
// path was given. The hash covers the raw file bytes.
func loadPolicy(path string) (*models.Policy, string, error) {
	if path == "" {
		return &models.Policy{}, "", nil
	}
	policy, err := config.LoadPolicy(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return policy, hex.EncodeToString(sum[:]), nil
}

// openMemory opens the conversation database at its configured or default
// location.
func openMemory(ctx context.Context, cfg *config.Config, layout paths.Layout) (*memory.Store, error) {
	path := cfg.Orchestration.MemoryPath
	if path == "" {
		path = filepath.Join(layout.Sessions, "conversations.db")
	}
	return memory.Open(ctx, path)
}

// buildJudge constructs the configured judge. LLM and classifier judges need
// a judge target in config; their transport is rate limited through limits
// when a registry is given. The returned adapter, when non-nil, must be
// closed by the caller.
func buildJudge(cfg *config.Config, kindOverride string, limits *ratelimit.Registry) (judge.Judge, adapter.Adapter, error) {
	kind := cfg.Judge.Kind
	if kindOverride != "" {
		kind = config.JudgeKind(kindOverride)
	}

	switch kind {
	case "", config.JudgeKeyword:
		return judge.NewKeywordJudge(), nil, nil
	case config.JudgeLLM, config.JudgeClassifier:
		invoker, judgeCfg, err := judgeInvoker(cfg, limits)
		if err != nil {
			return nil, nil, err
		}
		params := models.InvokeParams{Model: judgeCfg.Model, MaxTokens: judgeCfg.MaxTokens}
		if kind == config.JudgeLLM {
			return judge.NewLLMJudge(invoker, params), invoker, nil
		}
		return judge.NewClassifierJudge(invoker, params), invoker, nil
	case config.JudgeEnsemble:
		members := []judge.Judge{judge.NewKeywordJudge()}
		var judgeAdapter adapter.Adapter
		if cfg.Judge.Target != "" {
			invoker, judgeCfg, err := judgeInvoker(cfg, limits)
			if err != nil {
				return nil, nil, err
			}
			judgeAdapter = invoker
			members = append(members, judge.NewLLMJudge(invoker,
				models.InvokeParams{Model: judgeCfg.Model, MaxTokens: judgeCfg.MaxTokens}))
		}
		ensemble, err := judge.NewEnsemble(members, cfg.Judge.Weights)
		if err != nil {
			if judgeAdapter != nil {
				_ = judgeAdapter.Close()
			}
			return nil, nil, err
		}
		return ensemble, judgeAdapter, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown judge kind %q", config.ErrInvalidValue, kind)
	}
}

func judgeInvoker(cfg *config.Config, limits *ratelimit.Registry) (adapter.Adapter, *config.TargetConfig, error) {
	if cfg.Judge.Target == "" {
		return nil, nil, fmt.Errorf("%w: judge kind %q needs judge.target in config",
			config.ErrMissingRequiredField, cfg.Judge.Kind)
	}
	judgeCfg, ok := cfg.Targets[cfg.Judge.Target]
	if !ok {
		return nil, nil, fmt.Errorf("%w: judge target %q", config.ErrTargetNotFound, cfg.Judge.Target)
	}
	a, err := adapter.New(cfg.Judge.Target, judgeCfg)
	if err != nil {
		return nil, nil, err
	}
	if limits != nil {
		rpm := judgeCfg.RPM
		if rpm == 0 {
			rpm = cfg.RateLimits.DefaultRPM
		}
		tpm := judgeCfg.TPM
		if tpm == 0 {
			tpm = cfg.RateLimits.DefaultTPM
		}
		limits.Configure(cfg.Judge.Target, rpm, tpm, jitterWindow(judgeCfg, cfg))
		a = adapter.WithRateLimit(a, limits.Composite(cfg.Judge.Target))
	}
	return a, judgeCfg, nil
}

// jitterWindow resolves the per-acquisition jitter for a target, falling
// back to the run-wide default.
func jitterWindow(tc *config.TargetConfig, cfg *config.Config) time.Duration {
	ms := tc.JitterMS
	if ms == 0 {
		ms = cfg.RateLimits.JitterMS
	}
	return time.Duration(ms) * time.Millisecond
}

// captureEndpoint names the target in HAR entries.
func captureEndpoint(tc *config.TargetConfig) string {
	if tc.BaseURL != "" {
		return tc.BaseURL
	}
	return fmt.Sprintf("%s://%s", tc.Provider, tc.Model)
}

// buildDetectors compiles the policy's detector set.
func buildDetectors(policy *models.Policy) ([]detector.Detector, error) {
	var detectors []detector.Detector
	if len(policy.ContentRules) > 0 {
		d, err := detector.NewContentRuleDetector(policy.ContentRules)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if policy.Tools != nil {
		detectors = append(detectors, detector.NewToolAllowlistDetector(policy.Tools))
	}
	if policy.PIIDetection {
		detectors = append(detectors, detector.NewPIIDetector())
	}
	return detectors, nil
}
