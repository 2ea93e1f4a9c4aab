// Package fixture 加载与校验 JSON 验证夹具。
package fixture
