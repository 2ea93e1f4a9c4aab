package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"IntentForge-Chain/internal/codegen"
	"IntentForge-Chain/internal/contract"
	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/internal/inference"
	"IntentForge-Chain/internal/sandbox"
	"IntentForge-Chain/pkg/logger"
)

// GroupOutcome 记录单个组走完流水线后的最终状态。
type GroupOutcome struct {
	Index     int                      `json:"index"`
	Status    graph.Status             `json:"status"`
	Script    string                   `json:"script,omitempty"`
	Result    *sandbox.ExecutionResult `json:"result,omitempty"`
	ErrorCode xerrors.Code             `json:"error_code,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Outcome 是一次流水线调用的汇总结果。
type Outcome struct {
	Groups    []GroupOutcome `json:"groups"`
	Succeeded bool           `json:"succeeded"`
}

// Resolver 是流水线需要的合约解析能力。
type Resolver interface {
	ResolveAll(ctx context.Context, refs []graph.ContractReference) ([]*contract.Record, error)
}

// Pipeline 把依赖图一路推进到沙箱执行：按波次解析合约、调用推理
// 分析与生成、在共享分叉上按序提交，并在组失败时跳过其传递依赖。
type Pipeline struct {
	resolver    Resolver
	analyzer    *codegen.Analyzer
	synthesizer *codegen.Synthesizer
	sandbox     sandbox.Sandbox
	log         *slog.Logger
}

// New 组装流水线。
func New(resolver Resolver, analyzer *codegen.Analyzer, synthesizer *codegen.Synthesizer, sb sandbox.Sandbox) *Pipeline {
	return &Pipeline{
		resolver:    resolver,
		analyzer:    analyzer,
		synthesizer: synthesizer,
		sandbox:     sb,
		log:         logger.Named("pipeline"),
	}
}

// preparation 是一个组在提交前的准备产物。
type preparation struct {
	compiled  *sandbox.CompiledScript
	generated *inference.GeneratedScript
	err       error
}

// Execute 执行整个依赖图。组级失败会体现在返回的 Outcome 里；只有
// 图本身非法或沙箱分叉建立失败才会返回 error。
func (p *Pipeline) Execute(ctx context.Context, groups []graph.OperationGroup) (*Outcome, error) {
	plan, err := graph.NewPlan(groups)
	if err != nil {
		return nil, err
	}

	handle, err := p.sandbox.Fork(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "建立沙箱分叉失败")
	}
	defer func() {
		if teardownErr := p.sandbox.Teardown(context.WithoutCancel(ctx), handle); teardownErr != nil {
			p.log.Warn("释放沙箱分叉失败", slog.String("error", teardownErr.Error()))
		}
	}()

	outcomes := make([]GroupOutcome, len(groups))
	for i := range outcomes {
		outcomes[i] = GroupOutcome{Index: i, Status: graph.StatusPending}
	}
	results := make(map[int]*sandbox.ExecutionResult, len(groups))

	for !plan.Finished() {
		batch := plan.NextReadyBatch()
		if len(batch) == 0 {
			break
		}

		// 同一批次内的组互相独立，准备阶段（解析、分析、生成）并发进行。
		preparations := make(map[int]*preparation, len(batch))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, idx := range batch {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				prep := p.prepare(ctx, plan.Group(idx), results)
				mu.Lock()
				preparations[idx] = prep
				mu.Unlock()
			}(idx)
		}
		wg.Wait()

		// 提交阶段按索引升序串行执行，保证同一输入的执行顺序可复现。
		for _, idx := range batch {
			prep := preparations[idx]
			if prep.err != nil {
				p.failGroup(plan, outcomes, idx, prep.err)
				continue
			}
			outcomes[idx].Script = prep.generated.SourceText

			result, err := p.sandbox.Submit(ctx, handle, idx, prep.compiled)
			if err != nil {
				if result != nil {
					outcomes[idx].Result = result
					results[idx] = result
				}
				p.failGroup(plan, outcomes, idx, err)
				continue
			}

			plan.MarkSuccess(idx)
			results[idx] = result
			outcomes[idx].Status = graph.StatusSuccess
			outcomes[idx].Result = result
			p.log.Info("组执行成功",
				slog.Int("group", idx),
				slog.Int("txs", len(result.TxHashes)))
		}
	}

	outcome := &Outcome{Groups: outcomes, Succeeded: true}
	for idx, status := range plan.Statuses() {
		if outcomes[idx].Status == graph.StatusPending {
			outcomes[idx].Status = status
		}
		if status != graph.StatusSuccess {
			outcome.Succeeded = false
		}
	}
	return outcome, nil
}

// prepare 完成一个组的提交前工作：解析合约、替换依赖占位符、分析、
// 生成并编译脚本。
func (p *Pipeline) prepare(ctx context.Context, group graph.OperationGroup, results map[int]*sandbox.ExecutionResult) *preparation {
	records, err := p.resolver.ResolveAll(ctx, group.Contracts)
	if err != nil {
		return &preparation{err: err}
	}
	records, err = p.resolveImplementations(ctx, records)
	if err != nil {
		return &preparation{err: err}
	}

	substituted := codegen.SubstitutePlaceholders(group.Operations, results)
	group.Operations = substituted

	analyses, err := p.analyzer.AnalyzeAll(ctx, records, substituted)
	if err != nil {
		return &preparation{err: err}
	}

	abis := make(map[string]string, len(records))
	for _, record := range records {
		abis[strings.ToLower(record.Address)] = record.ABI
	}

	priorContext := codegen.BuildPriorContext(group.Dependencies, results)
	compiled, generated, err := p.synthesizer.Synthesize(ctx, group, analyses, abis, priorContext)
	if err != nil {
		return &preparation{err: err}
	}
	return &preparation{compiled: compiled, generated: generated}
}

// resolveImplementations 把指向实现合约的代理记录换成携带实现 ABI 与
// 源码的副本。调用仍然发往代理地址，所以地址等检索字段保持不变。
func (p *Pipeline) resolveImplementations(ctx context.Context, records []*contract.Record) ([]*contract.Record, error) {
	for i, record := range records {
		if !record.IsProxy || strings.TrimSpace(record.ImplementationAddress) == "" {
			continue
		}
		impls, err := p.resolver.ResolveAll(ctx, []graph.ContractReference{{
			NetworkID: record.NetworkID,
			Address:   record.ImplementationAddress,
		}})
		if err != nil {
			return nil, err
		}
		merged := *record
		merged.ABI = impls[0].ABI
		merged.SourceCode = impls[0].SourceCode
		records[i] = &merged
		p.log.Info("代理合约已替换为实现合约的 ABI",
			slog.String("proxy", record.Address),
			slog.String("implementation", record.ImplementationAddress))
	}
	return records, nil
}

// failGroup 记录组失败并把其传递依赖标记为跳过。
func (p *Pipeline) failGroup(plan *graph.Plan, outcomes []GroupOutcome, idx int, err error) {
	status := graph.StatusError
	if xerrors.CodeOf(err) == xerrors.CodeExecutionReverted {
		status = graph.StatusReverted
	}

	skipped := plan.MarkFailure(idx, status)
	outcomes[idx].Status = status
	outcomes[idx].ErrorCode = xerrors.CodeOf(err)
	outcomes[idx].Error = err.Error()
	for _, skippedIdx := range skipped {
		outcomes[skippedIdx].Status = graph.StatusSkipped
	}

	p.log.Warn("组执行失败",
		slog.Int("group", idx),
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
		slog.Int("skipped", len(skipped)))
}
