// Package inference 定义两阶段结构化推理的接口：先对单个合约做能力
// 分析，再结合分析结果与依赖组的执行产物生成可编译的执行脚本。
// OpenAI 兼容实现位于 inference/openai。
package inference
