package contract

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/explorer"
	"IntentForge-Chain/internal/graph"
	"IntentForge-Chain/pkg/logger"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// LooksLikeAddress 判断一个字符串是否是十六进制合约地址。
func LooksLikeAddress(value string) bool {
	return addressPattern.MatchString(strings.TrimSpace(value))
}

// Resolver 把组里的合约引用解析为完整的元数据记录。
// 精确引用走存储，未命中时回源到浏览器并写回；模糊引用按固定顺序
// 在缓存里做级联匹配。同一键的并发回源会被合并为一次抓取。
type Resolver struct {
	store    Store
	explorer explorer.Client
	log      *slog.Logger

	fillMu sync.Mutex
	inFill map[string]chan struct{}
}

// NewResolver 创建解析器。
func NewResolver(store Store, client explorer.Client) *Resolver {
	return &Resolver{
		store:    store,
		explorer: client,
		log:      logger.Named("resolver"),
		inFill:   make(map[string]chan struct{}),
	}
}

// Resolve 解析单个合约引用。
func (r *Resolver) Resolve(ctx context.Context, ref graph.ContractReference) (*Record, error) {
	if strings.TrimSpace(ref.NetworkID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "合约引用缺少 network_id")
	}

	if !ref.Fuzzy() {
		return r.resolveExact(ctx, ref.NetworkID, ref.Address, ref)
	}

	// 模糊字段里混入地址时按精确引用处理。
	if addr, ok := promotedAddress(ref); ok {
		return r.resolveExact(ctx, ref.NetworkID, addr, ref)
	}
	return r.resolveFuzzy(ctx, ref)
}

// ResolveAll 依序解析一组引用，任何一个失败都会终止。
func (r *Resolver) ResolveAll(ctx context.Context, refs []graph.ContractReference) ([]*Record, error) {
	records := make([]*Record, 0, len(refs))
	for _, ref := range refs {
		record, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func promotedAddress(ref graph.ContractReference) (string, bool) {
	for _, candidate := range []string{ref.Name, ref.Symbol, ref.Protocol, ref.Tags} {
		if LooksLikeAddress(candidate) {
			return strings.TrimSpace(candidate), true
		}
	}
	return "", false
}

func (r *Resolver) resolveExact(ctx context.Context, networkID, address string, ref graph.ContractReference) (*Record, error) {
	record, err := r.store.Get(ctx, networkID, address)
	if err == nil {
		return record, nil
	}
	if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.fill(ctx, networkID, address, ref)
}

// fill 回源抓取并写入存储。同一 (network, address) 的并发调用只会
// 发出一次浏览器请求，其余调用等待抓取结果落库后重新读取。
func (r *Resolver) fill(ctx context.Context, networkID, address string, ref graph.ContractReference) (*Record, error) {
	key := networkID + ":" + strings.ToLower(address)

	for {
		r.fillMu.Lock()
		waiter, inFlight := r.inFill[key]
		if !inFlight {
			done := make(chan struct{})
			r.inFill[key] = done
			r.fillMu.Unlock()

			record, err := r.doFill(ctx, networkID, address, ref)

			r.fillMu.Lock()
			delete(r.inFill, key)
			close(done)
			r.fillMu.Unlock()
			return record, err
		}
		r.fillMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "解析合约超时")
		case <-waiter:
		}
		record, err := r.store.Get(ctx, networkID, address)
		if err == nil {
			return record, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
		// 先行的抓取失败了，由当前调用重新尝试。
	}
}

func (r *Resolver) doFill(ctx context.Context, networkID, address string, ref graph.ContractReference) (*Record, error) {
	fetched, err := r.explorer.FetchContract(ctx, networkID, address)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeContractNotFound {
			return nil, xerrors.Wrap(xerrors.CodeContractNotFound, err,
				"地址上没有已验证的合约", xerrors.WithMetadata("address", address))
		}
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "回源抓取合约失败",
			xerrors.WithMetadata("address", address))
	}

	record := recordFromContract(fetched, ref)
	if err := r.store.Put(ctx, record); err != nil {
		return nil, err
	}
	r.log.Info("合约元数据已入缓存",
		slog.String("network", networkID),
		slog.String("address", record.Address),
		slog.String("name", record.Name))
	return record, nil
}

// recordFromContract 把浏览器返回的合约与引用中的检索字段合并为一条记录。
// 引用里的 symbol、protocol 等字段会落到记录上，供之后的模糊匹配命中。
func recordFromContract(fetched *explorer.Contract, ref graph.ContractReference) *Record {
	record := &Record{
		NetworkID:             fetched.NetworkID,
		Address:               strings.ToLower(fetched.Address),
		Name:                  fetched.Name,
		Symbol:                ref.Symbol,
		Protocol:              ref.Protocol,
		ContractType:          ref.ContractType,
		Version:               ref.Version,
		IsProxy:               fetched.IsProxy,
		ImplementationAddress: fetched.ImplementationAddress,
		SourceCode:            fetched.SourceCode,
		ABI:                   fetched.ABI,
		CachedAt:              time.Now().UnixNano(),
	}

	tags := make([]string, 0, 4)
	if ref.Tags != "" {
		tags = append(tags, ref.Tags)
	}
	if fetched.Name != "" {
		tags = append(tags, strings.ToLower(fetched.Name))
	}
	if fetched.IsProxy {
		tags = append(tags, "proxy")
	}
	record.Tags = strings.Join(tags, ",")
	return record
}

// resolveFuzzy 按固定顺序做级联匹配：symbol 精确、类型加版本加协议、
// tags 包含、名称包含。任何一级命中即停止，不再尝试后续级别。
func (r *Resolver) resolveFuzzy(ctx context.Context, ref graph.ContractReference) (*Record, error) {
	queries := cascadeQueries(ref)
	if len(queries) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模糊引用没有任何可用的检索字段")
	}

	for _, query := range queries {
		matches, err := r.store.Search(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return pickBest(matches), nil
		}
	}

	return nil, xerrors.New(xerrors.CodeContractNotFound, "没有缓存记录匹配模糊引用",
		xerrors.WithMetadata("network", ref.NetworkID),
		xerrors.WithMetadata("symbol", ref.Symbol),
		xerrors.WithMetadata("name", ref.Name))
}

func cascadeQueries(ref graph.ContractReference) []Query {
	queries := make([]Query, 0, 4)
	if ref.Symbol != "" {
		queries = append(queries, Query{NetworkID: ref.NetworkID, Symbol: ref.Symbol})
	}
	if ref.ContractType != "" && ref.Version != "" {
		queries = append(queries, Query{
			NetworkID:        ref.NetworkID,
			ContractType:     ref.ContractType,
			Version:          ref.Version,
			ProtocolContains: ref.Protocol,
		})
	}
	if ref.Tags != "" {
		queries = append(queries, Query{NetworkID: ref.NetworkID, TagsContains: ref.Tags})
	}
	if ref.Name != "" {
		queries = append(queries, Query{NetworkID: ref.NetworkID, NameContains: ref.Name})
	}
	return queries
}

// pickBest 在同级命中的多条记录里做确定性裁决：非代理优先，
// 然后取最近缓存的一条，仍并列时按地址字典序取最小。
func pickBest(matches []*Record) *Record {
	sorted := make([]*Record, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].IsProxy != sorted[j].IsProxy {
			return !sorted[i].IsProxy
		}
		if sorted[i].CachedAt != sorted[j].CachedAt {
			return sorted[i].CachedAt > sorted[j].CachedAt
		}
		return strings.ToLower(sorted[i].Address) < strings.ToLower(sorted[j].Address)
	})
	return sorted[0]
}
