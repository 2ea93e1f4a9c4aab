package contract

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
)

// MemoryStore 在进程内存中缓存合约记录，适合测试与单机运行。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get 按 (network, address) 精确查找记录。
func (s *MemoryStore) Get(ctx context.Context, networkID, address string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "上下文已取消")
	}
	key := networkID + ":" + strings.ToLower(address)

	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

// Put 写入一条记录。重复写入同一键会整体覆盖旧记录。
func (s *MemoryStore) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.NetworkID) == "" || strings.TrimSpace(record.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 network 或 address")
	}
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "上下文已取消")
	}

	stored := cloneRecord(record)
	if stored.CachedAt == 0 {
		stored.CachedAt = time.Now().UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stored.Key()] = stored
	return nil
}

// Search 返回满足查询条件的记录，按缓存时间倒序、地址升序排列。
func (s *MemoryStore) Search(ctx context.Context, query Query) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "上下文已取消")
	}

	s.mu.RLock()
	matches := make([]*Record, 0)
	for _, record := range s.records {
		if query.Matches(record) {
			matches = append(matches, cloneRecord(record))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CachedAt != matches[j].CachedAt {
			return matches[i].CachedAt > matches[j].CachedAt
		}
		return strings.ToLower(matches[i].Address) < strings.ToLower(matches[j].Address)
	})
	return matches, nil
}

// Close 实现 Store 接口，内存存储无需释放资源。
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
