// Package codegen 把推理服务的输出变成可执行脚本：Analyzer 负责带
// 重试与校验的合约分析，Synthesizer 负责脚本生成、编译失败后携带
// 诊断信息的单次重生成，以及组间占位符替换。
package codegen
