// Package harness 实现端到端验证框架：加载夹具、带超时地执行流水线、
// 对照期望判定 pass/fail/timeout/infrastructure，并把报表投递到日志
// 或消息队列。
package harness
