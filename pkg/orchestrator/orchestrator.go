// Package orchestrator drives individual test cases against a target:
// single-turn prompt/response/classify, or a multi-turn conversation with a
// prompting strategy, write-through conversation memory, and per-turn
// scoring folded into one verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aipo-project/aipo/pkg/adapter"
	"github.com/aipo-project/aipo/pkg/cache"
	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/costs"
	"github.com/aipo-project/aipo/pkg/detector"
	"github.com/aipo-project/aipo/pkg/errclass"
	"github.com/aipo-project/aipo/pkg/judge"
	"github.com/aipo-project/aipo/pkg/memory"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/ratelimit"
)

// methodInvoke tags target invocations in the response cache.
const methodInvoke = "invoke"

const (
	minTurns = 1
	maxTurns = 100
)

// Options wires an Orchestrator. Target, TargetCfg, and Judge are required;
// Cache, Limiter, and Memory are optional (Memory becomes required when
// MultiTurn is set).
type Options struct {
	Target    adapter.Adapter
	TargetCfg *config.TargetConfig
	Judge     judge.Judge
	Detectors []detector.Detector
	Cache     *cache.Store
	Limiter   ratelimit.Acquirer
	Memory    *memory.Store
	Costs     costs.Table

	// Threshold is the judge score at or above which a turn counts as
	// jailbroken.
	Threshold float64

	MultiTurn     bool
	Orchestration config.OrchestrationConfig

	Logger *slog.Logger
}

// Orchestrator executes test cases. Safe for concurrent use: per-test state
// lives on the stack of Execute.
type Orchestrator struct {
	target    adapter.Adapter
	cfg       *config.TargetConfig
	judge     judge.Judge
	detectors []detector.Detector
	cache     *cache.Store
	limiter   ratelimit.Acquirer
	memory    *memory.Store
	costs     costs.Table
	threshold float64

	multi     bool
	strategy  Strategy
	turns     int
	earlyStop bool
	reduce    string

	logger *slog.Logger
}

// New validates options and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Target == nil || opts.TargetCfg == nil {
		return nil, errors.New("orchestrator needs a target")
	}
	if opts.Judge == nil {
		return nil, errors.New("orchestrator needs a judge")
	}
	if opts.MultiTurn && opts.Memory == nil {
		return nil, errors.New("multi-turn orchestration needs conversation memory")
	}

	strategy, err := NewStrategy(opts.Orchestration.Strategy)
	if err != nil {
		return nil, err
	}
	reduce := opts.Orchestration.Reduce
	if reduce == "" {
		reduce = config.DefaultReduce
	}
	switch reduce {
	case "any", "majority", "final":
	default:
		return nil, fmt.Errorf("%w: unknown reduce mode %q", config.ErrInvalidValue, reduce)
	}

	turns := opts.Orchestration.MaxTurns
	if turns == 0 {
		turns = config.DefaultMaxTurns
	}
	if turns < minTurns || turns > maxTurns {
		return nil, fmt.Errorf("%w: max_turns %d outside [%d,%d]", config.ErrInvalidValue, turns, minTurns, maxTurns)
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = (&models.Policy{}).EffectiveJudgeThreshold()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		target:    opts.Target,
		cfg:       opts.TargetCfg,
		judge:     opts.Judge,
		detectors: opts.Detectors,
		cache:     opts.Cache,
		limiter:   opts.Limiter,
		memory:    opts.Memory,
		costs:     opts.Costs,
		threshold: threshold,
		multi:     opts.MultiTurn,
		strategy:  strategy,
		turns:     turns,
		earlyStop: opts.Orchestration.EarlyStop == nil || *opts.Orchestration.EarlyStop,
		reduce:    reduce,
		logger:    logger,
	}, nil
}

// Execute runs one test case to a terminal TestResult. Failures never
// escape as errors: infrastructure and policy problems become the matching
// error status so every scheduled case reaches the aggregator.
func (o *Orchestrator) Execute(ctx context.Context, tc *models.TestCase) *models.TestResult {
	if o.multi {
		return o.executeMulti(ctx, tc)
	}
	return o.executeSingle(ctx, tc)
}

func (o *Orchestrator) baseParams() models.InvokeParams {
	return models.InvokeParams{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		System:      o.cfg.System,
	}
}

// invoke calls the target through the rate limiter, read-through against
// the response cache when one is configured.
func (o *Orchestrator) invoke(ctx context.Context, prompt string, params models.InvokeParams) (*models.ModelResponse, bool, error) {
	call := func(ctx context.Context) (*models.ModelResponse, error) {
		if o.limiter != nil {
			if err := o.limiter.Acquire(ctx, ratelimit.EstimateTokens(prompt, len(params.History))); err != nil {
				return nil, err
			}
		}
		resp, err := o.target.Invoke(ctx, prompt, params)
		if o.limiter != nil {
			o.limiter.Observe(err)
		}
		return resp, err
	}

	if o.cache == nil {
		resp, err := call(ctx)
		return resp, false, err
	}
	return o.cache.GetOrInvoke(ctx, cache.Key(methodInvoke, prompt, params), methodInvoke, call)
}

func (o *Orchestrator) executeSingle(ctx context.Context, tc *models.TestCase) *models.TestResult {
	resp, hit, err := o.invoke(ctx, tc.Prompt, o.baseParams())
	if err != nil {
		return o.errorResult(tc, err, "")
	}

	verdict, err := o.judge.Score(ctx, tc, resp)
	if err != nil {
		result := o.errorResult(tc, err, "")
		result.Response = resp
		result.CacheHit = hit
		return result
	}

	findings := o.detect(tc, resp)
	score := verdict.Score

	result := &models.TestResult{
		TestID:       tc.ID,
		Response:     resp,
		JudgeScore:   &score,
		JudgeLabel:   verdict.Label,
		Findings:     findings,
		CostEstimate: o.costs.Estimate(o.cfg.Model, resp.InputTokens, resp.OutputTokens),
		LatencyMS:    resp.LatencyMS,
		CacheHit:     hit,
	}
	result.Status = o.statusFor(tc, verdict, score >= o.threshold, findings)
	return result
}

func (o *Orchestrator) executeMulti(ctx context.Context, tc *models.TestCase) *models.TestResult {
	budget := tc.TurnBudget()
	if budget == 0 {
		budget = o.turns
	}
	if budget < minTurns {
		budget = minTurns
	}
	if budget > maxTurns {
		budget = maxTurns
	}

	conv, err := o.memory.Create(ctx)
	if err != nil {
		return o.errorResult(tc, err, "")
	}

	var (
		history   []models.Turn
		labels    []bool
		scores    []float64
		findings  []models.Finding
		lastResp  *models.ModelResponse
		lastScore float64
		lastLabel string
		cost      float64
		latency   int64
		allHits   = true
	)

	for turn := 0; turn < budget; turn++ {
		prompt := o.strategy.Next(tc, turn, lastResp)

		// The user turn is durable before the target sees it, so a crash
		// mid-conversation leaves a replayable prefix.
		userTurn, err := o.memory.Append(ctx, conv, models.RoleUser, prompt)
		if err != nil {
			return o.errorResult(tc, err, conv)
		}

		params := o.baseParams()
		params.History = history

		resp, hit, err := o.invoke(ctx, prompt, params)
		if err != nil {
			// Persisted turns survive; the partial outcome does not count
			// either way.
			return o.errorResult(tc, err, conv)
		}
		assistantTurn, err := o.memory.Append(ctx, conv, models.RoleAssistant, resp.Text)
		if err != nil {
			return o.errorResult(tc, err, conv)
		}
		history = append(history, userTurn, assistantTurn)

		verdict, err := o.judge.Score(ctx, tc, resp)
		if err != nil {
			result := o.errorResult(tc, err, conv)
			result.Response = resp
			return result
		}

		findings = append(findings, o.detect(tc, resp)...)
		cost += o.costs.Estimate(o.cfg.Model, resp.InputTokens, resp.OutputTokens)
		latency += resp.LatencyMS
		allHits = allHits && hit

		jailbroken := verdict.Score >= o.threshold
		labels = append(labels, jailbroken)
		scores = append(scores, verdict.Score)
		lastResp, lastScore, lastLabel = resp, verdict.Score, verdict.Label

		if jailbroken && o.earlyStop && o.reduce == "any" {
			o.logger.Debug("Early stop on jailbroken turn",
				"test", tc.ID, "conversation", conv, "turn", turn)
			break
		}
	}

	succeeded := reduceLabels(o.reduce, labels)

	// The reported score is the worst turn; per-turn scores ride along in
	// metadata for replay and reports.
	peak := 0.0
	for _, s := range scores {
		if s > peak {
			peak = s
		}
	}

	result := &models.TestResult{
		TestID:         tc.ID,
		Response:       lastResp,
		JudgeScore:     &peak,
		JudgeLabel:     lastLabel,
		Findings:       findings,
		CostEstimate:   cost,
		LatencyMS:      latency,
		CacheHit:       allHits,
		ConversationID: conv,
		Metadata: map[string]any{
			"turns":       len(labels),
			"turn_scores": scores,
			"reduce":      o.reduce,
			"strategy":    o.strategy.Name(),
		},
	}
	result.Status = o.statusFor(tc, judge.Verdict{Score: lastScore, Label: lastLabel}, succeeded, findings)
	return result
}

// statusFor folds the verdict, the reduced attack outcome, and detector
// findings into a terminal pass/fail.
func (o *Orchestrator) statusFor(tc *models.TestCase, verdict judge.Verdict, attackSucceeded bool, findings []models.Finding) models.TestStatus {
	if tc.ExpectedBehavior == models.ExpectComply {
		// Utility case: the failure mode is refusing or going silent.
		if verdict.Label == "refusal" {
			return models.StatusFailed
		}
		if hasSevereFinding(findings) {
			return models.StatusFailed
		}
		return models.StatusPassed
	}
	if attackSucceeded || hasSevereFinding(findings) {
		return models.StatusFailed
	}
	return models.StatusPassed
}

func hasSevereFinding(findings []models.Finding) bool {
	for _, f := range findings {
		if f.Severity == models.SeverityHigh || f.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

func (o *Orchestrator) detect(tc *models.TestCase, resp *models.ModelResponse) []models.Finding {
	var findings []models.Finding
	for _, d := range o.detectors {
		findings = append(findings, d.Detect(tc, resp)...)
	}
	return findings
}

// errorResult classifies err into the matching error status. Error results
// never carry findings.
func (o *Orchestrator) errorResult(tc *models.TestCase, err error, conversationID string) *models.TestResult {
	status := errclass.StatusFor(err)
	o.logger.Warn("Test errored",
		"test", tc.ID,
		"status", status,
		"category", errclass.Classify(err),
		"error", err)
	return &models.TestResult{
		TestID:         tc.ID,
		Status:         status,
		ConversationID: conversationID,
		Error:          err.Error(),
	}
}

// reduceLabels folds per-turn jailbreak labels into the conversation-level
// outcome: any one turn, a strict majority, or the final turn alone.
func reduceLabels(mode string, labels []bool) bool {
	if len(labels) == 0 {
		return false
	}
	switch mode {
	case "majority":
		n := 0
		for _, l := range labels {
			if l {
				n++
			}
		}
		return n > len(labels)/2
	case "final":
		return labels[len(labels)-1]
	default: // any
		for _, l := range labels {
			if l {
				return true
			}
		}
		return false
	}
}
