// Package explorer 抽象合约浏览器服务的只读访问：按网络与地址拉取已
// 验证合约的源码、ABI 与代理信息。具体实现位于子包中，例如
// explorer/etherscan。
package explorer
