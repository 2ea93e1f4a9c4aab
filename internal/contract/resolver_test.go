package contract

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/explorer"
	"IntentForge-Chain/internal/graph"
)

// fakeExplorer 记录抓取次数，按地址返回预置合约。
type fakeExplorer struct {
	mu        sync.Mutex
	contracts map[string]*explorer.Contract
	calls     atomic.Int64
}

func newFakeExplorer() *fakeExplorer {
	return &fakeExplorer{contracts: make(map[string]*explorer.Contract)}
}

func (f *fakeExplorer) add(contract *explorer.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[contract.NetworkID+":"+contract.Address] = contract
}

func (f *fakeExplorer) FetchContract(ctx context.Context, networkID, address string) (*explorer.Contract, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	contract, ok := f.contracts[networkID+":"+address]
	if !ok {
		return nil, explorer.ErrNotVerified
	}
	clone := *contract
	return &clone, nil
}

var _ explorer.Client = (*fakeExplorer)(nil)

const wethAddress = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

func wethContract() *explorer.Contract {
	return &explorer.Contract{
		NetworkID:  "1",
		Address:    wethAddress,
		Name:       "WETH9",
		SourceCode: "contract WETH9 { }",
		ABI:        "[]",
	}
}

func TestResolveExactFillsCache(t *testing.T) {
	store := NewMemoryStore()
	fake := newFakeExplorer()
	fake.add(wethContract())
	resolver := NewResolver(store, fake)
	ctx := context.Background()

	ref := graph.ContractReference{NetworkID: "1", Address: wethAddress, Symbol: "WETH"}
	record, err := resolver.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "WETH9" {
		t.Fatalf("Name = %s, want WETH9", record.Name)
	}
	// 引用里的检索字段要落到记录上。
	if record.Symbol != "WETH" {
		t.Fatalf("Symbol = %s, want WETH", record.Symbol)
	}

	// 第二次解析命中缓存，不再回源。
	if _, err := resolver.Resolve(ctx, ref); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Fatalf("抓取次数 = %d, want 1", got)
	}
}

func TestResolveConcurrentFillIsDeduplicated(t *testing.T) {
	store := NewMemoryStore()
	fake := newFakeExplorer()
	fake.add(wethContract())
	resolver := NewResolver(store, fake)

	ref := graph.ContractReference{NetworkID: "1", Address: wethAddress}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := resolver.Resolve(context.Background(), ref)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Fatalf("并发解析抓取次数 = %d, want 1", got)
	}
}

func TestResolveUnverifiedContract(t *testing.T) {
	resolver := NewResolver(NewMemoryStore(), newFakeExplorer())
	ref := graph.ContractReference{NetworkID: "1", Address: "0x0000000000000000000000000000000000000001"}
	_, err := resolver.Resolve(context.Background(), ref)
	if xerrors.CodeOf(err) != xerrors.CodeContractNotFound {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeContractNotFound)
	}
}

func TestResolvePromotesAddressLikeFuzzyField(t *testing.T) {
	store := NewMemoryStore()
	fake := newFakeExplorer()
	fake.add(wethContract())
	resolver := NewResolver(store, fake)

	// 名称字段里塞了地址：应按精确引用回源，而不是模糊匹配。
	ref := graph.ContractReference{NetworkID: "1", Name: wethAddress}
	record, err := resolver.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Address != wethAddress {
		t.Fatalf("Address = %s, want %s", record.Address, wethAddress)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Fatalf("抓取次数 = %d, want 1", got)
	}
}

func seedFuzzyStore(t *testing.T, store Store) {
	t.Helper()
	records := []*Record{
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000010",
			Name: "UniswapV2Router02", Protocol: "Uniswap V2",
			ContractType: "router", Version: "2", Tags: "dex,router", CachedAt: 100,
		},
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000011",
			Name: "WETH9", Symbol: "WETH", Tags: "weth,wrapped", CachedAt: 200,
		},
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000012",
			Name: "LendingPoolProxy", Protocol: "Aave", ContractType: "pool", Version: "2",
			IsProxy: true, Tags: "lending,proxy", CachedAt: 300,
		},
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000013",
			Name: "LendingPool", Protocol: "Aave", ContractType: "pool", Version: "2",
			Tags: "lending", CachedAt: 250,
		},
	}
	for _, record := range records {
		if err := store.Put(context.Background(), record); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
}

func TestResolveFuzzyBySymbol(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	record, err := resolver.Resolve(context.Background(),
		graph.ContractReference{NetworkID: "1", Symbol: "weth"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "WETH9" {
		t.Fatalf("Name = %s, want WETH9", record.Name)
	}
}

func TestResolveFuzzyByTypeVersionProtocol(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	record, err := resolver.Resolve(context.Background(), graph.ContractReference{
		NetworkID: "1", ContractType: "router", Version: "2", Protocol: "uniswap",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "UniswapV2Router02" {
		t.Fatalf("Name = %s, want UniswapV2Router02", record.Name)
	}
}

func TestResolveFuzzyByTags(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	record, err := resolver.Resolve(context.Background(),
		graph.ContractReference{NetworkID: "1", Tags: "wrapped"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "WETH9" {
		t.Fatalf("Name = %s, want WETH9", record.Name)
	}
}

func TestResolveFuzzyByNameSubstring(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	record, err := resolver.Resolve(context.Background(),
		graph.ContractReference{NetworkID: "1", Name: "router02"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "UniswapV2Router02" {
		t.Fatalf("Name = %s, want UniswapV2Router02", record.Name)
	}
}

func TestResolveFuzzyTieBreakPrefersNonProxy(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	// 代理记录的缓存时间更新，但裁决应先按非代理优先。
	record, err := resolver.Resolve(context.Background(), graph.ContractReference{
		NetworkID: "1", ContractType: "pool", Version: "2", Protocol: "aave",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "LendingPool" {
		t.Fatalf("Name = %s, want LendingPool", record.Name)
	}
}

func TestResolveFuzzyTieBreakPrefersFreshestCache(t *testing.T) {
	store := NewMemoryStore()
	// 两条非代理记录只有缓存时间不同：裁决应取缓存更新的那条。
	records := []*Record{
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000021",
			Name: "USDCv1", Symbol: "USDC", CachedAt: 100,
		},
		{
			NetworkID: "1", Address: "0x0000000000000000000000000000000000000022",
			Name: "USDCv2", Symbol: "USDC", CachedAt: 500,
		},
	}
	for _, record := range records {
		if err := store.Put(context.Background(), record); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	resolver := NewResolver(store, newFakeExplorer())

	record, err := resolver.Resolve(context.Background(),
		graph.ContractReference{NetworkID: "1", Symbol: "USDC"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if record.Name != "USDCv2" {
		t.Fatalf("Name = %s, want USDCv2", record.Name)
	}
}

func TestResolveFuzzyNoMatch(t *testing.T) {
	store := NewMemoryStore()
	seedFuzzyStore(t, store)
	resolver := NewResolver(store, newFakeExplorer())

	_, err := resolver.Resolve(context.Background(),
		graph.ContractReference{NetworkID: "1", Symbol: "DOGE"})
	if xerrors.CodeOf(err) != xerrors.CodeContractNotFound {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeContractNotFound)
	}
}

func TestResolveRejectsMissingNetwork(t *testing.T) {
	resolver := NewResolver(NewMemoryStore(), newFakeExplorer())
	_, err := resolver.Resolve(context.Background(), graph.ContractReference{Symbol: "WETH"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInvalidArgument)
	}
}
