package codegen

import (
	"context"
	"strings"
	"testing"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/internal/inference"
	"IntentForge-Chain/internal/sandbox"
)

const wethAddress = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

const wethABI = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]}
]`

func depositScript() *inference.GeneratedScript {
	return &inference.GeneratedScript{
		SourceText: `{"steps":[{"action":"call","target":"` + wethAddress + `","signature":"deposit()","value":"1000000000000000000"}]}`,
	}
}

func badScript() *inference.GeneratedScript {
	return &inference.GeneratedScript{
		SourceText: `{"steps":[{"action":"call","target":"` + wethAddress + `","signature":"deposit(uint256)","args":["1"]}]}`,
	}
}

func newTestSynthesizer(fake *fakeInference) *Synthesizer {
	synthesizer := NewSynthesizer(fake)
	synthesizer.retryDelay = 0
	return synthesizer
}

func wrapGroup() graph.OperationGroup {
	return graph.OperationGroup{
		Index:       0,
		Description: "wrap ETH",
		Operations:  []string{"wrap 1 ETH into WETH"},
	}
}

func TestSynthesizeSuccessSingleCall(t *testing.T) {
	fake := &fakeInference{
		generateResponses: []func() (*inference.GeneratedScript, error){
			func() (*inference.GeneratedScript, error) { return depositScript(), nil },
		},
	}
	synthesizer := newTestSynthesizer(fake)

	compiled, generated, err := synthesizer.Synthesize(context.Background(), wrapGroup(),
		nil, map[string]string{wethAddress: wethABI}, "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(compiled.Steps) != 1 {
		t.Fatalf("Steps = %+v", compiled.Steps)
	}
	if generated == nil || generated.SourceText == "" {
		t.Fatal("应返回生成的脚本原文")
	}
	if fake.generateCalls != 1 {
		t.Fatalf("generateCalls = %d, want 1", fake.generateCalls)
	}
}

func TestSynthesizeRegeneratesExactlyOnceWithDiagnostics(t *testing.T) {
	fake := &fakeInference{
		generateResponses: []func() (*inference.GeneratedScript, error){
			func() (*inference.GeneratedScript, error) { return badScript(), nil },
			func() (*inference.GeneratedScript, error) { return depositScript(), nil },
		},
	}
	synthesizer := newTestSynthesizer(fake)

	compiled, _, err := synthesizer.Synthesize(context.Background(), wrapGroup(),
		nil, map[string]string{wethAddress: wethABI}, "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(compiled.Steps) != 1 {
		t.Fatalf("Steps = %+v", compiled.Steps)
	}
	if fake.generateCalls != 2 {
		t.Fatalf("generateCalls = %d, want 2", fake.generateCalls)
	}
	if fake.generateRequests[0].Diagnostics != "" {
		t.Fatal("首次生成不应携带诊断")
	}
	if !strings.Contains(fake.generateRequests[1].Diagnostics, "deposit(uint256)") {
		t.Fatalf("重新生成应携带编译诊断, got %q", fake.generateRequests[1].Diagnostics)
	}
}

func TestSynthesizeFailsAfterSecondCompileError(t *testing.T) {
	fake := &fakeInference{
		generateResponses: []func() (*inference.GeneratedScript, error){
			func() (*inference.GeneratedScript, error) { return badScript(), nil },
		},
	}
	synthesizer := newTestSynthesizer(fake)

	_, _, err := synthesizer.Synthesize(context.Background(), wrapGroup(),
		nil, map[string]string{wethAddress: wethABI}, "")
	if xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeSynthesisFailure)
	}
	// 恰好一次重新生成，不允许无限往返。
	if fake.generateCalls != 2 {
		t.Fatalf("generateCalls = %d, want 2", fake.generateCalls)
	}
}

func TestSynthesizeRetriesInfrastructureErrors(t *testing.T) {
	infraErr := xerrors.New(xerrors.CodeInfrastructure, "推理服务超时")
	fake := &fakeInference{
		generateResponses: []func() (*inference.GeneratedScript, error){
			func() (*inference.GeneratedScript, error) { return nil, infraErr },
			func() (*inference.GeneratedScript, error) { return depositScript(), nil },
		},
	}
	synthesizer := newTestSynthesizer(fake)

	_, _, err := synthesizer.Synthesize(context.Background(), wrapGroup(),
		nil, map[string]string{wethAddress: wethABI}, "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if fake.generateCalls != 2 {
		t.Fatalf("generateCalls = %d, want 2", fake.generateCalls)
	}
}

func TestSubstitutePlaceholders(t *testing.T) {
	results := map[int]*sandbox.ExecutionResult{
		1: {StateDiffs: map[string]string{
			"step.0.deployed": "0x00000000000000000000000000000000000000aa",
		}},
	}

	operations := []string{
		"stake into pool at {{dep.1.step.0.deployed}}",
		"unknown placeholder {{dep.2.step.0.tx}} stays",
		"no placeholder here",
	}
	substituted := SubstitutePlaceholders(operations, results)

	if substituted[0] != "stake into pool at 0x00000000000000000000000000000000000000aa" {
		t.Fatalf("substituted[0] = %s", substituted[0])
	}
	if substituted[1] != operations[1] {
		t.Fatalf("无法解析的占位符应原样保留, got %s", substituted[1])
	}
	if substituted[2] != operations[2] {
		t.Fatal("无占位符的操作不应改变")
	}
}

func TestBuildPriorContextIsDeterministic(t *testing.T) {
	results := map[int]*sandbox.ExecutionResult{
		0: {
			TxHashes: []string{"0xaaa"},
			StateDiffs: map[string]string{
				"step.0.tx":   "0xaaa",
				"balance:0x1": "100",
			},
		},
		2: {
			TxHashes:   []string{"0xccc"},
			StateDiffs: map[string]string{"step.0.tx": "0xccc"},
		},
	}

	first := BuildPriorContext([]int{2, 0}, results)
	if !strings.Contains(first, "group 0:") || !strings.Contains(first, "group 2:") {
		t.Fatalf("上下文缺少依赖组: %s", first)
	}
	if strings.Index(first, "group 0:") > strings.Index(first, "group 2:") {
		t.Fatal("依赖组应按索引升序输出")
	}
	if strings.Index(first, "balance:0x1") > strings.Index(first, "step.0.tx = 0xaaa") {
		t.Fatal("状态键应按字典序输出")
	}
	for i := 0; i < 5; i++ {
		if BuildPriorContext([]int{2, 0}, results) != first {
			t.Fatal("多次构建的上下文应一致")
		}
	}
}
