// Package pipeline 驱动完整的意图执行流程：按波次调度操作组，波内
// 并发完成解析 / 分析 / 脚本合成，再按索引顺序串行提交到沙箱，并把
// 失败与跳过传播到依赖组。
package pipeline
