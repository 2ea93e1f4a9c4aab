package codegen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/internal/inference"
	"IntentForge-Chain/internal/sandbox"
	"IntentForge-Chain/pkg/logger"
)

var placeholderPattern = regexp.MustCompile(`\{\{dep\.(\d+)\.([^}]+)\}\}`)

// Synthesizer 驱动脚本生成阶段：一次推理调用生成整组脚本，编译失败
// 时携带诊断信息恰好重新生成一次。
type Synthesizer struct {
	client     inference.Client
	log        *slog.Logger
	retryDelay time.Duration
}

// NewSynthesizer 创建脚本生成器。
func NewSynthesizer(client inference.Client) *Synthesizer {
	return &Synthesizer{
		client:     client,
		log:        logger.Named("synthesizer"),
		retryDelay: time.Second,
	}
}

// Synthesize 为一个组生成并编译脚本。abis 是本组解析出的合约地址到
// ABI 的映射，priorContext 是依赖组执行结果拼成的上下文块。
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	group graph.OperationGroup,
	analyses []*inference.ContractAnalysis,
	abis map[string]string,
	priorContext string,
) (*sandbox.CompiledScript, *inference.GeneratedScript, error) {
	req := inference.SynthesisRequest{
		GroupIndex:   group.Index,
		Description:  group.Description,
		Operations:   group.Operations,
		Analyses:     analyses,
		PriorContext: priorContext,
	}

	generated, compiled, compileErr := s.generateAndCompile(ctx, req, abis)
	if compileErr == nil {
		return compiled, generated, nil
	}
	if xerrors.CodeOf(compileErr) != xerrors.CodeSynthesisFailure {
		return nil, nil, compileErr
	}

	// 编译失败只允许一次带诊断的重新生成，避免无限的推理往返。
	s.log.Info("脚本编译失败，携带诊断重新生成",
		slog.Int("group", group.Index),
		slog.String("diagnostics", compileErr.Error()))
	req.Diagnostics = compileErr.Error()

	generated, compiled, retryErr := s.generateAndCompile(ctx, req, abis)
	if retryErr != nil {
		if xerrors.CodeOf(retryErr) == xerrors.CodeSynthesisFailure {
			return nil, nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, retryErr,
				"重新生成的脚本仍未通过编译",
				xerrors.WithMetadata("group", strconv.Itoa(group.Index)))
		}
		return nil, nil, retryErr
	}
	return compiled, generated, nil
}

func (s *Synthesizer) generateAndCompile(
	ctx context.Context,
	req inference.SynthesisRequest,
	abis map[string]string,
) (*inference.GeneratedScript, *sandbox.CompiledScript, error) {
	generated, err := withRetry(ctx, s.retryDelay, func() (*inference.GeneratedScript, error) {
		return s.client.GenerateScript(ctx, req)
	})
	if err != nil {
		return nil, nil, err
	}

	script, err := sandbox.ParseScript(generated.SourceText)
	if err != nil {
		return generated, nil, err
	}
	compiled, err := sandbox.Compile(script, abis)
	if err != nil {
		return generated, nil, err
	}
	return generated, compiled, nil
}

// SubstitutePlaceholders 把操作文本里的 {{dep.N.key}} 占位符替换为
// 依赖组执行结果中的对应值。无法解析的占位符原样保留，交给推理阶段
// 自行处理。
func SubstitutePlaceholders(operations []string, results map[int]*sandbox.ExecutionResult) []string {
	substituted := make([]string, len(operations))
	for i, op := range operations {
		substituted[i] = placeholderPattern.ReplaceAllStringFunc(op, func(match string) string {
			parts := placeholderPattern.FindStringSubmatch(match)
			depIndex, err := strconv.Atoi(parts[1])
			if err != nil {
				return match
			}
			result, ok := results[depIndex]
			if !ok || result == nil {
				return match
			}
			if value, ok := result.StateDiffs[parts[2]]; ok {
				return value
			}
			return match
		})
	}
	return substituted
}

// BuildPriorContext 把依赖组的执行结果格式化为提示词上下文块。
// 依赖按索引升序排列，输出是确定性的。
func BuildPriorContext(dependencies []int, results map[int]*sandbox.ExecutionResult) string {
	deps := append([]int(nil), dependencies...)
	sort.Ints(deps)

	var builder strings.Builder
	for _, dep := range deps {
		result, ok := results[dep]
		if !ok || result == nil {
			continue
		}
		builder.WriteString(fmt.Sprintf("group %d:\n", dep))
		for _, hash := range result.TxHashes {
			builder.WriteString("  tx " + hash + "\n")
		}

		keys := make([]string, 0, len(result.StateDiffs))
		for key := range result.StateDiffs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("  %s = %s\n", key, result.StateDiffs[key]))
		}
	}
	return builder.String()
}
