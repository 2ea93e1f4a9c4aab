package harness

import (
	"context"
	"log/slog"

	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/internal/pipeline"
	"IntentForge-Chain/pkg/logger"
)

// Verdict 是单个夹具的验证结论。
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictTimeout Verdict = "timeout"
	VerdictInfra   Verdict = "infrastructure"
)

// GroupReport 摘录单个组的执行结果。
type GroupReport struct {
	Index        int          `json:"index"`
	Status       graph.Status `json:"status"`
	TxCount      int          `json:"tx_count"`
	RevertReason string       `json:"revert_reason,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// FixtureReport 是一个夹具跑完后的完整报表。
type FixtureReport struct {
	Fixture     string        `json:"fixture"`
	Description string        `json:"description,omitempty"`
	Verdict     Verdict       `json:"verdict"`
	Mismatches  []string      `json:"mismatches,omitempty"`
	Groups      []GroupReport `json:"groups,omitempty"`
	DurationMS  int64         `json:"duration_ms"`
}

// Sink 抽象报表的投递目的地。
type Sink interface {
	Publish(ctx context.Context, report *FixtureReport) error
	Close() error
}

// LogSink 把报表写入结构化报表日志流。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志报表输出。
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Report()}
}

// Publish 输出一条报表日志。
func (s *LogSink) Publish(ctx context.Context, report *FixtureReport) error {
	s.log.Info("fixture report",
		slog.String("fixture", report.Fixture),
		slog.String("verdict", string(report.Verdict)),
		slog.Int64("duration_ms", report.DurationMS),
		slog.Any("mismatches", report.Mismatches),
		slog.Any("groups", report.Groups))
	return nil
}

// Close 实现 Sink 接口。
func (s *LogSink) Close() error {
	return nil
}

var _ Sink = (*LogSink)(nil)

func groupReports(outcome *pipeline.Outcome) []GroupReport {
	if outcome == nil {
		return nil
	}
	reports := make([]GroupReport, 0, len(outcome.Groups))
	for _, group := range outcome.Groups {
		report := GroupReport{
			Index:     group.Index,
			Status:    group.Status,
			ErrorCode: string(group.ErrorCode),
			Error:     group.Error,
		}
		if group.Result != nil {
			report.TxCount = len(group.Result.TxHashes)
			report.RevertReason = group.Result.RevertReason
		}
		reports = append(reports, report)
	}
	return reports
}
