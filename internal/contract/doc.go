// Package contract 管理合约元数据：统一的 Record/Query 模型、内存 /
// MySQL / Redis 三种存储后端，以及把模糊引用解析为链上地址并按需从
// 浏览器服务补全源码与 ABI 的 Resolver。
package contract
