package migrations

import "embed"

// Files 暴露合约元数据存储的所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
