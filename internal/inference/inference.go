package inference

import "context"

// AnalysisRequest 是合约分析阶段的输入：合约源码、ABI 与该组想要
// 完成的操作描述。
type AnalysisRequest struct {
	NetworkID  string
	Address    string
	Name       string
	SourceCode string
	ABI        string
	IsProxy    bool
	// Objectives 是引用该合约的自然语言操作，帮助模型筛选相关函数。
	Objectives []string
}

// FunctionSpec 描述分析阶段挑选出的一个可调用函数。
type FunctionSpec struct {
	Name            string `json:"name"`
	Signature       string `json:"signature"`
	StateMutability string `json:"state_mutability"`
	Description     string `json:"description"`
}

// EventSpec 描述与目标操作相关的一个事件，供验证阶段匹配日志。
type EventSpec struct {
	Name        string `json:"name"`
	Signature   string `json:"signature"`
	Description string `json:"description"`
}

// ContractAnalysis 是分析阶段的结构化输出。
type ContractAnalysis struct {
	Address   string         `json:"address"`
	Name      string         `json:"name"`
	Summary   string         `json:"summary"`
	IsProxy   bool           `json:"is_proxy"`
	Functions []FunctionSpec `json:"functions"`
	Events    []EventSpec    `json:"events,omitempty"`
	// StorageSlots 把关键存储变量名映射到槽位编号。
	StorageSlots map[string]string `json:"storage_slots,omitempty"`
	// DetectedConstants 是源码里发现的会影响脚本的常量，如费率或上限。
	DetectedConstants map[string]string `json:"detected_constants,omitempty"`
	// Warnings 指出可能阻碍操作的问题。无法解析的外部引用以
	// "unresolved reference:" 前缀标注，分析器会据此拒绝该结果。
	Warnings []string `json:"warnings,omitempty"`
}

// SynthesisRequest 是脚本生成阶段的输入。
type SynthesisRequest struct {
	GroupIndex  int
	Description string
	Operations  []string
	Analyses    []*ContractAnalysis
	// PriorContext 是依赖组执行结果拼成的上下文块。
	PriorContext string
	// Diagnostics 携带上一次生成脚本的编译错误，首次生成时为空。
	Diagnostics string
}

// GeneratedScript 是生成阶段的结构化输出，SourceText 为脚本正文。
type GeneratedScript struct {
	SourceText string `json:"source_text"`
	Notes      string `json:"notes"`
}

// Client 抽象结构化推理服务的两个阶段。
type Client interface {
	// AnalyzeContract 从合约源码中提取与操作相关的函数信息。
	AnalyzeContract(ctx context.Context, req AnalysisRequest) (*ContractAnalysis, error)
	// GenerateScript 依据分析结果与操作描述生成可执行脚本。
	GenerateScript(ctx context.Context, req SynthesisRequest) (*GeneratedScript, error)
}
