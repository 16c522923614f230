// Package runner schedules a suite across a bounded worker pool, enforces
// cost, token, and wall-clock budgets, reorders streamed results back into
// suite order, and aggregates them into a RunSummary with attack-success
// confidence intervals.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aipo-project/aipo/pkg/config"
	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/stats"
	"github.com/aipo-project/aipo/pkg/version"
)

// Executor runs one test case to a terminal result. Implemented by the
// orchestrator; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, tc *models.TestCase) *models.TestResult
}

// Options wires a Runner.
type Options struct {
	Executor Executor
	Config   config.RunnerConfig

	// RunID names the run in the summary. Empty generates a fresh UUID.
	RunID string

	Model      string
	Seed       int64
	SampleRate float64

	// Threshold is the judge score counting as attack success, for the
	// summary's success tally.
	Threshold float64

	// Confidence is the CI confidence level. Zero means 0.95.
	Confidence float64

	// OnResult, when set, receives each result in suite order as soon as
	// every earlier result is available.
	OnResult func(*models.TestResult)

	Logger *slog.Logger
}

// Runner executes suites.
type Runner struct {
	exec       Executor
	cfg        config.RunnerConfig
	runID      string
	model      string
	seed       int64
	sampleRate float64
	threshold  float64
	confidence float64
	onResult   func(*models.TestResult)
	logger     *slog.Logger
}

// New validates options and builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Executor == nil {
		return nil, errors.New("runner needs an executor")
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = (&models.Policy{}).EffectiveJudgeThreshold()
	}
	confidence := opts.Confidence
	if confidence == 0 {
		confidence = 0.95
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Runner{
		exec:       opts.Executor,
		cfg:        opts.Config,
		runID:      runID,
		model:      opts.Model,
		seed:       opts.Seed,
		sampleRate: opts.SampleRate,
		threshold:  threshold,
		confidence: confidence,
		onResult:   opts.OnResult,
		logger:     logger,
	}, nil
}

// budget tracks run-wide consumption with atomic accumulators.
type budget struct {
	costBits atomic.Uint64 // float64 bits
	tokens   atomic.Int64

	maxCost   float64
	maxTokens int64
}

func (b *budget) add(cost float64, tokens int64) {
	b.tokens.Add(tokens)
	for {
		old := b.costBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + cost)
		if b.costBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (b *budget) cost() float64 { return math.Float64frombits(b.costBits.Load()) }

func (b *budget) exceeded() bool {
	if b.maxCost > 0 && b.cost() > b.maxCost {
		return true
	}
	if b.maxTokens > 0 && b.tokens.Load() > b.maxTokens {
		return true
	}
	return false
}

type task struct {
	idx int
	tc  *models.TestCase
}

type indexed struct {
	idx    int
	result *models.TestResult
}

// Run executes the suite and returns its summary. Cancelling ctx stops
// dispatch; in-flight tests get the configured grace period to finish.
// The summary is returned even when the run was cancelled or a budget
// tripped, so evidence can always be assembled.
func (r *Runner) Run(ctx context.Context, suite *models.Suite) (*models.RunSummary, error) {
	started := time.Now().UTC()
	cases := Sample(suite.Cases, r.sampleRate, r.seed)

	workers := r.cfg.Concurrency
	if workers <= 0 {
		workers = config.DefaultConcurrency()
	}
	grace := r.cfg.Grace.Std()
	if grace <= 0 {
		grace = config.DefaultGrace.Std()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var wallTimer *time.Timer
	wallExceeded := atomic.Bool{}
	if wall := r.cfg.BudgetWall.Std(); wall > 0 {
		wallTimer = time.AfterFunc(wall, func() {
			wallExceeded.Store(true)
			cancelRun()
		})
		defer wallTimer.Stop()
	}

	// Workers run against a context that outlives cancellation by the grace
	// period, so in-flight turns can persist before the hard stop.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	allDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			select {
			case <-time.After(grace):
			case <-allDone:
			}
		case <-allDone:
		}
		cancelExec()
	}()

	bud := &budget{maxCost: r.cfg.BudgetUSD, maxTokens: r.cfg.BudgetTokens}
	budgetTripped := atomic.Bool{}

	tasks := make(chan task, workers)
	results := make(chan indexed, workers*2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if runCtx.Err() != nil {
					results <- indexed{t.idx, &models.TestResult{
						TestID: t.tc.ID,
						Status: models.StatusSkipped,
						Error:  "run cancelled before execution",
					}}
					continue
				}

				res := r.exec.Execute(execCtx, t.tc)

				var tokens int64
				if res.Response != nil {
					tokens = int64(res.Response.InputTokens + res.Response.OutputTokens)
				}
				bud.add(res.CostEstimate, tokens)
				if bud.exceeded() && !budgetTripped.Swap(true) {
					r.logger.Warn("Budget exceeded, cancelling run",
						"cost_usd", bud.cost(), "tokens", bud.tokens.Load())
					cancelRun()
				}

				results <- indexed{t.idx, res}
			}
		}()
	}

	go func() {
		for i := range cases {
			tasks <- task{idx: i, tc: &cases[i]}
		}
		close(tasks)
		wg.Wait()
		close(allDone)
		close(results)
	}()

	// Reorder buffer: emit and collect in suite order.
	ordered := make([]models.TestResult, len(cases))
	pending := make(map[int]*models.TestResult, workers)
	next := 0
	for in := range results {
		pending[in.idx] = in.result
		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			ordered[next] = *res
			if r.onResult != nil {
				r.onResult(res)
			}
			next++
		}
	}

	summary := r.summarize(suite, cases, ordered, started)
	summary.BudgetExceeded = budgetTripped.Load() || wallExceeded.Load()
	return summary, nil
}

// summarize aggregates ordered results into the run summary.
func (r *Runner) summarize(suite *models.Suite, cases []models.TestCase, results []models.TestResult, started time.Time) *models.RunSummary {
	s := &models.RunSummary{
		RunID:     r.runID,
		Suite:     suite.Name,
		Model:     r.model,
		Engine:    version.Engine,
		Seed:      r.seed,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Total:     len(results),
		Metrics:   map[string]float64{},
		Results:   results,
	}

	var (
		harmful      int
		critical     int
		toolPolicy   int
		utilityTotal int
		utilityFail  int
	)
	lenient := r.cfg.Denominator == "lenient"

	for i := range results {
		res := &results[i]
		switch res.Status {
		case models.StatusPassed:
			s.Passed++
		case models.StatusFailed:
			s.Failed++
		case models.StatusSkipped:
			s.Skipped++
		default:
			s.Errors++
		}
		if res.Status == models.StatusSkipped {
			continue
		}
		if res.CacheHit {
			s.CacheHits++
		}
		s.TotalCostUSD += res.CostEstimate
		if res.Response != nil {
			s.TotalTokens += int64(res.Response.InputTokens + res.Response.OutputTokens)
		}
		s.Findings = append(s.Findings, res.Findings...)

		if !(lenient && res.Status.IsError()) {
			s.N++
		}
		jailbroken := res.Jailbroken(r.threshold)
		if jailbroken {
			s.Successes++
		}

		severe := false
		hasCritical := false
		hasToolPolicy := false
		for _, f := range res.Findings {
			if f.Severity == models.SeverityHigh || f.Severity == models.SeverityCritical {
				severe = true
			}
			if f.Severity == models.SeverityCritical {
				hasCritical = true
			}
			if f.Category == "tool_policy" {
				hasToolPolicy = true
			}
		}
		if jailbroken || severe {
			harmful++
		}
		if hasCritical {
			critical++
		}
		if hasToolPolicy {
			toolPolicy++
		}

		if tc := caseByID(cases, res.TestID); tc != nil && tc.ExpectedBehavior == models.ExpectComply {
			utilityTotal++
			if res.Status == models.StatusFailed {
				utilityFail++
			}
		}
	}

	if s.N > 0 {
		n := float64(s.N)
		s.Metrics[models.MetricASR] = float64(s.Successes) / n
		s.Metrics[models.MetricHarmfulOutputRate] = float64(harmful) / n
		s.Metrics[models.MetricCriticalViolationRate] = float64(critical) / n
		s.Metrics[models.MetricToolPolicyViolation] = float64(toolPolicy) / n
		s.Metrics[models.MetricInfraErrorRate] = float64(s.Errors) / n

		if ci, err := stats.Proportion(s.Successes, s.N, r.confidence, stats.MethodAuto); err == nil {
			s.Metrics[models.MetricASRCILow] = ci.Low
			s.Metrics[models.MetricASRCIHigh] = ci.High
			s.CIMethod = string(ci.Method)
		} else {
			r.logger.Warn("Failed to compute ASR confidence interval", "error", err)
		}
	}
	if utilityTotal > 0 {
		s.Metrics[models.MetricUtilityFailureRate] = float64(utilityFail) / float64(utilityTotal)
	} else {
		s.Metrics[models.MetricUtilityFailureRate] = 0
	}

	s.Categories = r.categorize(cases, results)
	return s
}

func (r *Runner) categorize(cases []models.TestCase, results []models.TestResult) map[string]models.CategorySummary {
	type tally struct {
		total, failed, errors, successes, n int
	}
	tallies := make(map[string]*tally)
	lenient := r.cfg.Denominator == "lenient"

	for i := range results {
		res := &results[i]
		tc := caseByID(cases, res.TestID)
		if tc == nil || tc.Category == "" || res.Status == models.StatusSkipped {
			continue
		}
		tl := tallies[tc.Category]
		if tl == nil {
			tl = &tally{}
			tallies[tc.Category] = tl
		}
		tl.total++
		switch {
		case res.Status == models.StatusFailed:
			tl.failed++
		case res.Status.IsError():
			tl.errors++
		}
		if !(lenient && res.Status.IsError()) {
			tl.n++
		}
		if res.Jailbroken(r.threshold) {
			tl.successes++
		}
	}
	if len(tallies) == 0 {
		return nil
	}

	out := make(map[string]models.CategorySummary, len(tallies))
	for category, tl := range tallies {
		cs := models.CategorySummary{
			Total:  tl.total,
			Failed: tl.failed,
			Errors: tl.errors,
		}
		if tl.n > 0 {
			cs.ASR = float64(tl.successes) / float64(tl.n)
			if ci, err := stats.Proportion(tl.successes, tl.n, r.confidence, stats.MethodAuto); err == nil {
				cs.ASRCILow = ci.Low
				cs.ASRCIHigh = ci.High
			}
		}
		out[category] = cs
	}
	return out
}

func caseByID(cases []models.TestCase, id string) *models.TestCase {
	for i := range cases {
		if cases[i].ID == id {
			return &cases[i]
		}
	}
	return nil
}
