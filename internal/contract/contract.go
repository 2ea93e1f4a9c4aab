package contract

import (
	"context"
	"strings"

	xerrors "IntentForge-Chain/internal/errors"
)

// Record 表示一条合约元数据，主键为 (network_id, address)。
// 首次成功抓取后写入存储，除缓存未命中引发的刷新外不再修改。
type Record struct {
	NetworkID             string `json:"network_id"`
	Address               string `json:"address"`
	Name                  string `json:"name"`
	Symbol                string `json:"symbol,omitempty"`
	Protocol              string `json:"protocol,omitempty"`
	ContractType          string `json:"contract_type,omitempty"`
	Version               string `json:"version,omitempty"`
	Tags                  string `json:"tags,omitempty"`
	IsProxy               bool   `json:"is_proxy"`
	ImplementationAddress string `json:"implementation_address,omitempty"`
	SourceCode            string `json:"source_code"`
	ABI                   string `json:"abi"`
	CachedAt              int64  `json:"cached_at"`
}

// Key 返回存储键。地址统一小写，与浏览器返回的大小写无关。
func (r *Record) Key() string {
	return r.NetworkID + ":" + strings.ToLower(r.Address)
}

// Query 描述一次元数据检索。空字段不参与过滤。
type Query struct {
	NetworkID string
	// Symbol 为大小写不敏感的精确匹配。
	Symbol string
	// ContractType 与 Version 为精确匹配，Protocol 为包含匹配，三者组合使用。
	ContractType     string
	Version          string
	ProtocolContains string
	// TagsContains 对 CSV tags 字段做包含匹配。
	TagsContains string
	// NameContains 为大小写不敏感的包含匹配。
	NameContains string
}

// Matches 判断记录是否满足查询条件，供内存后端与测试共用。
func (q Query) Matches(record *Record) bool {
	if record == nil {
		return false
	}
	if q.NetworkID != "" && record.NetworkID != q.NetworkID {
		return false
	}
	if q.Symbol != "" && !strings.EqualFold(record.Symbol, q.Symbol) {
		return false
	}
	if q.ContractType != "" && record.ContractType != q.ContractType {
		return false
	}
	if q.Version != "" && record.Version != q.Version {
		return false
	}
	if q.ProtocolContains != "" &&
		!strings.Contains(strings.ToLower(record.Protocol), strings.ToLower(q.ProtocolContains)) {
		return false
	}
	if q.TagsContains != "" &&
		!strings.Contains(strings.ToLower(record.Tags), strings.ToLower(q.TagsContains)) {
		return false
	}
	if q.NameContains != "" &&
		!strings.Contains(strings.ToLower(record.Name), strings.ToLower(q.NameContains)) {
		return false
	}
	return true
}

// Store 抽象合约元数据的持久化接口。记录写入后不可变，读取天然并发安全。
type Store interface {
	Get(ctx context.Context, networkID, address string) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Search(ctx context.Context, query Query) ([]*Record, error)
	Close() error
}

var (
	// ErrNotFound 表示指定的合约记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeContractNotFound, "contract record not found")
)

func cloneRecord(record *Record) *Record {
	if record == nil {
		return nil
	}
	clone := *record
	return &clone
}
