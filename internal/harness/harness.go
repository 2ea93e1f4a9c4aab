package harness

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/fixture"
	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/internal/pipeline"
	"IntentForge-Chain/internal/sandbox"
	"IntentForge-Chain/pkg/logger"
)

// Executor 是验证框架需要的流水线执行能力。
type Executor interface {
	Execute(ctx context.Context, groups []graph.OperationGroup) (*pipeline.Outcome, error)
}

// Summary 汇总一轮验证的结果。
type Summary struct {
	Total    int              `json:"total"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	Timeouts int              `json:"timeouts"`
	Infra    int              `json:"infrastructure"`
	Reports  []*FixtureReport `json:"reports"`
}

// ExitCode 把验证结果映射为进程退出码：0 全部通过，1 存在验证失败
// 或超时，2 存在基础设施故障。
func (s *Summary) ExitCode() int {
	if s.Infra > 0 {
		return 2
	}
	if s.Failed > 0 || s.Timeouts > 0 {
		return 1
	}
	return 0
}

// Harness 逐个执行夹具并产出报表。每个夹具在独立的沙箱分叉上运行，
// 互不污染状态。
type Harness struct {
	executor Executor
	sink     Sink
	timeout  time.Duration
	log      *slog.Logger
}

// New 创建验证框架。timeout 是单个夹具的最长执行时间。
func New(executor Executor, sink Sink, timeout time.Duration) *Harness {
	if timeout <= 0 {
		timeout = 240 * time.Second
	}
	return &Harness{
		executor: executor,
		sink:     sink,
		timeout:  timeout,
		log:      logger.Named("harness"),
	}
}

// Run 依序执行所有夹具。单个夹具的失败不会中断后续夹具。
func (h *Harness) Run(ctx context.Context, fixtures []*fixture.Fixture) (*Summary, error) {
	summary := &Summary{Reports: make([]*FixtureReport, 0, len(fixtures))}

	for _, fx := range fixtures {
		if err := ctx.Err(); err != nil {
			return summary, xerrors.Wrap(xerrors.CodeTimeout, err, "验证被取消")
		}

		report := h.runOne(ctx, fx)
		summary.Total++
		switch report.Verdict {
		case VerdictPass:
			summary.Passed++
		case VerdictTimeout:
			summary.Timeouts++
		case VerdictInfra:
			summary.Infra++
		default:
			summary.Failed++
		}
		summary.Reports = append(summary.Reports, report)

		if err := h.sink.Publish(ctx, report); err != nil {
			h.log.Warn("投递报表失败",
				slog.String("fixture", fx.Name),
				slog.String("error", err.Error()))
		}
	}
	return summary, nil
}

func (h *Harness) runOne(ctx context.Context, fx *fixture.Fixture) *FixtureReport {
	report := &FixtureReport{Fixture: fx.Name, Description: fx.Description}
	h.log.Info("开始执行夹具", slog.String("fixture", fx.Name))

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	started := time.Now()
	outcome, err := h.executor.Execute(runCtx, fx.Groups)
	report.DurationMS = time.Since(started).Milliseconds()
	report.Groups = groupReports(outcome)

	if err != nil {
		switch {
		case stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) || xerrors.CodeOf(err) == xerrors.CodeTimeout:
			report.Verdict = VerdictTimeout
			report.Mismatches = []string{fmt.Sprintf("夹具超时: %v", err)}
		case xerrors.CodeOf(err) == xerrors.CodeGraphInvalid:
			report.Verdict = VerdictFail
			report.Mismatches = []string{err.Error()}
		default:
			report.Verdict = VerdictInfra
			report.Mismatches = []string{err.Error()}
		}
		h.log.Warn("夹具执行中止",
			slog.String("fixture", fx.Name),
			slog.String("verdict", string(report.Verdict)),
			slog.String("error", err.Error()))
		return report
	}

	// 流水线把组级失败折叠进 Outcome 并返回 nil error；截止时间内没
	// 跑完的夹具要判为超时，而不是普通的验证失败。
	if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) || outcomeTimedOut(outcome) {
		report.Verdict = VerdictTimeout
		report.Mismatches = []string{"夹具在截止时间内未执行完毕"}
		h.log.Warn("夹具执行超时",
			slog.String("fixture", fx.Name),
			slog.Int64("duration_ms", report.DurationMS))
		return report
	}

	report.Mismatches = evaluate(fx, outcome)
	if len(report.Mismatches) == 0 {
		report.Verdict = VerdictPass
	} else {
		report.Verdict = VerdictFail
	}
	h.log.Info("夹具执行完成",
		slog.String("fixture", fx.Name),
		slog.String("verdict", string(report.Verdict)),
		slog.Int64("duration_ms", report.DurationMS))
	return report
}

func outcomeTimedOut(outcome *pipeline.Outcome) bool {
	if outcome == nil {
		return false
	}
	for _, group := range outcome.Groups {
		if group.ErrorCode == xerrors.CodeTimeout {
			return true
		}
	}
	return false
}

// evaluate 对照期望检查执行结果。没有显式期望的夹具要求所有组成功。
func evaluate(fx *fixture.Fixture, outcome *pipeline.Outcome) []string {
	mismatches := make([]string, 0)

	if len(fx.Expectations) == 0 {
		if !outcome.Succeeded {
			for _, group := range outcome.Groups {
				if group.Status != graph.StatusSuccess {
					mismatches = append(mismatches,
						fmt.Sprintf("组 %d 状态为 %s: %s", group.Index, group.Status, group.Error))
				}
			}
		}
		return mismatches
	}

	for _, expectation := range fx.Expectations {
		group := outcome.Groups[expectation.Group]
		if string(group.Status) != expectation.Status {
			mismatches = append(mismatches,
				fmt.Sprintf("组 %d 状态为 %s, 期望 %s", expectation.Group, group.Status, expectation.Status))
			continue
		}
		if expectation.RevertContains != "" {
			reason := group.Error
			if group.Result != nil && group.Result.RevertReason != "" {
				reason = group.Result.RevertReason
			}
			if !strings.Contains(reason, expectation.RevertContains) {
				mismatches = append(mismatches,
					fmt.Sprintf("组 %d 的回滚原因 %q 不包含 %q", expectation.Group, reason, expectation.RevertContains))
			}
		}
		mismatches = append(mismatches, evaluateResult(expectation, group.Result)...)
	}
	return mismatches
}

// evaluateResult 对照期望检查状态差异与事件。期望值为空串时只要求键存在。
func evaluateResult(expectation fixture.Expectation, result *sandbox.ExecutionResult) []string {
	if len(expectation.StateDiffs) == 0 && len(expectation.EventTopics) == 0 {
		return nil
	}
	if result == nil {
		return []string{fmt.Sprintf("组 %d 没有执行结果可供断言", expectation.Group)}
	}

	mismatches := make([]string, 0)
	keys := make([]string, 0, len(expectation.StateDiffs))
	for key := range expectation.StateDiffs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		actual, ok := result.StateDiffs[key]
		if !ok {
			mismatches = append(mismatches,
				fmt.Sprintf("组 %d 的状态差异缺少键 %q", expectation.Group, key))
			continue
		}
		if want := expectation.StateDiffs[key]; want != "" && actual != want {
			mismatches = append(mismatches,
				fmt.Sprintf("组 %d 的状态差异 %q = %q, 期望 %q", expectation.Group, key, actual, want))
		}
	}

	for _, topic := range expectation.EventTopics {
		found := false
		for _, event := range result.Events {
			if len(event.Topics) > 0 && strings.EqualFold(event.Topics[0], topic) {
				found = true
				break
			}
		}
		if !found {
			mismatches = append(mismatches,
				fmt.Sprintf("组 %d 没有首个 topic 为 %q 的事件", expectation.Group, topic))
		}
	}
	return mismatches
}
