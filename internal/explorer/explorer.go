package explorer

import (
	"context"

	xerrors "IntentForge-Chain/internal/errors"
)

// Contract 是从区块链浏览器抓取到的已验证合约信息。
type Contract struct {
	NetworkID             string
	Address               string
	Name                  string
	SourceCode            string
	ABI                   string
	CompilerVersion       string
	IsProxy               bool
	ImplementationAddress string
}

// Client 抽象区块链浏览器的合约源码查询能力。
type Client interface {
	// FetchContract 按地址抓取已验证合约。未验证或不存在时返回
	// CONTRACT_NOT_FOUND 错误码。
	FetchContract(ctx context.Context, networkID, address string) (*Contract, error)
}

var (
	// ErrNotVerified 表示目标地址上没有已验证的合约源码。
	ErrNotVerified = xerrors.New(xerrors.CodeContractNotFound, "contract source code not verified")
)
