// Package graph 定义操作组依赖图及其调度原语。Validate 负责校验图的
// 合法性，TopoOrder 与 Waves 给出确定性的执行顺序，Plan 在执行过程中
// 跟踪每个组的状态并在上游失败时跳过其全部后代。
package graph
