package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"IntentForge-Chain/internal/contract"
	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/inference"
	"IntentForge-Chain/pkg/logger"
)

const (
	// 超长源码按头尾截断后再送入推理，保留函数定义最密集的区段。
	sourceHeadBytes = 32 * 1024
	sourceTailBytes = 16 * 1024
)

var signaturePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\([A-Za-z0-9\[\],]*\)$`)

// 分析结果里带此前缀的警告表示模型没能解析某个外部引用，这样的
// 分析不可信，直接拒绝。
const unresolvedPrefix = "unresolved reference:"

// Analyzer 驱动分析阶段：把合约记录整理成确定性的请求，调用推理
// 服务并校验返回的结构化结果。
type Analyzer struct {
	client     inference.Client
	log        *slog.Logger
	retryDelay time.Duration
}

// NewAnalyzer 创建分析器。
func NewAnalyzer(client inference.Client) *Analyzer {
	return &Analyzer{
		client:     client,
		log:        logger.Named("analyzer"),
		retryDelay: time.Second,
	}
}

// Analyze 分析单个合约，objectives 是引用该合约的操作描述。
func (a *Analyzer) Analyze(ctx context.Context, record *contract.Record, objectives []string) (*inference.ContractAnalysis, error) {
	if record == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "合约记录不能为空")
	}

	req := inference.AnalysisRequest{
		NetworkID:  record.NetworkID,
		Address:    record.Address,
		Name:       record.Name,
		SourceCode: truncateSource(record.SourceCode),
		ABI:        normalizeABI(record.ABI),
		IsProxy:    record.IsProxy,
		Objectives: objectives,
	}

	analysis, err := withRetry(ctx, a.retryDelay, func() (*inference.ContractAnalysis, error) {
		return a.client.AnalyzeContract(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if err := validateAnalysis(analysis); err != nil {
		return nil, err
	}
	for _, warning := range analysis.Warnings {
		a.log.Warn("分析警告",
			slog.String("address", record.Address),
			slog.String("warning", warning))
	}
	a.log.Info("合约分析完成",
		slog.String("address", record.Address),
		slog.Int("functions", len(analysis.Functions)))
	return analysis, nil
}

// AnalyzeAll 逐个分析一组合约记录。
func (a *Analyzer) AnalyzeAll(ctx context.Context, records []*contract.Record, objectives []string) ([]*inference.ContractAnalysis, error) {
	analyses := make([]*inference.ContractAnalysis, 0, len(records))
	for _, record := range records {
		analysis, err := a.Analyze(ctx, record, objectives)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, analysis)
	}
	return analyses, nil
}

func validateAnalysis(analysis *inference.ContractAnalysis) error {
	if analysis == nil {
		return xerrors.New(xerrors.CodeAnalysisFailure, "分析结果为空")
	}
	if strings.TrimSpace(analysis.Address) == "" {
		return xerrors.New(xerrors.CodeAnalysisFailure, "分析结果缺少合约地址")
	}
	if len(analysis.Functions) == 0 {
		return xerrors.New(xerrors.CodeAnalysisFailure, "分析结果没有给出任何可用函数")
	}
	for _, fn := range analysis.Functions {
		if !signaturePattern.MatchString(strings.TrimSpace(fn.Signature)) {
			return xerrors.New(xerrors.CodeAnalysisFailure,
				fmt.Sprintf("函数签名 %q 格式不合法", fn.Signature))
		}
	}
	for _, event := range analysis.Events {
		if !signaturePattern.MatchString(strings.TrimSpace(event.Signature)) {
			return xerrors.New(xerrors.CodeAnalysisFailure,
				fmt.Sprintf("事件签名 %q 格式不合法", event.Signature))
		}
	}
	for _, warning := range analysis.Warnings {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(warning)), unresolvedPrefix) {
			return xerrors.New(xerrors.CodeAnalysisFailure,
				fmt.Sprintf("分析结果存在未解析的引用: %s", warning))
		}
	}
	return nil
}

// normalizeABI 把 ABI 条目按 (type, name) 排序后重新序列化，保证同一
// 合约在多次调用里产生字节一致的请求。解析失败时原样返回。
func normalizeABI(abiJSON string) string {
	var entries []map[string]any
	if err := json.Unmarshal([]byte(abiJSON), &entries); err != nil {
		return abiJSON
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, _ := entries[i]["type"].(string)
		tj, _ := entries[j]["type"].(string)
		if ti != tj {
			return ti < tj
		}
		ni, _ := entries[i]["name"].(string)
		nj, _ := entries[j]["name"].(string)
		return ni < nj
	})
	normalized, err := json.Marshal(entries)
	if err != nil {
		return abiJSON
	}
	return string(normalized)
}

// truncateSource 对超长源码做头尾截断，中段用标记替代。
func truncateSource(source string) string {
	if len(source) <= sourceHeadBytes+sourceTailBytes {
		return source
	}
	head := source[:sourceHeadBytes]
	tail := source[len(source)-sourceTailBytes:]
	omitted := len(source) - sourceHeadBytes - sourceTailBytes
	return head + fmt.Sprintf("\n// ... %d bytes omitted ...\n", omitted) + tail
}
