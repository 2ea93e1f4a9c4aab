package contract

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"IntentForge-Chain/deploy/migrations"
	xerrors "IntentForge-Chain/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLOptions 控制连接池行为。
type MySQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 持久化合约元数据，供多实例共享缓存。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建并初始化 MySQL 存储。
func NewMySQLStore(dsn string, opts MySQLOptions) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 20
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 10
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行内嵌的迁移脚本。
func (s *MySQLStore) initSchema() error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "枚举迁移脚本失败")
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移脚本 "+name+" 失败")
		}
		for _, stmt := range strings.Split(string(script), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.Exec(stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移脚本 "+name+" 失败")
			}
		}
	}
	return nil
}

// Get 按 (network, address) 精确查找记录。
func (s *MySQLStore) Get(ctx context.Context, networkID, address string) (*Record, error) {
	const stmt = `SELECT network_id, address, name, symbol, protocol, contract_type, version,
        tags, is_proxy, implementation_address, source_code, abi, cached_at
        FROM contract_records WHERE network_id = ? AND address = ?`

	row := s.db.QueryRowContext(ctx, stmt, networkID, strings.ToLower(address))
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询合约记录失败")
	}
	return record, nil
}

// Put 写入一条记录，同键覆盖。
func (s *MySQLStore) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.NetworkID) == "" || strings.TrimSpace(record.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 network 或 address")
	}

	cachedAt := record.CachedAt
	if cachedAt == 0 {
		cachedAt = time.Now().UnixNano()
	}

	const stmt = `INSERT INTO contract_records
        (network_id, address, name, symbol, protocol, contract_type, version, tags,
         is_proxy, implementation_address, source_code, abi, cached_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        name = VALUES(name), symbol = VALUES(symbol), protocol = VALUES(protocol),
        contract_type = VALUES(contract_type), version = VALUES(version), tags = VALUES(tags),
        is_proxy = VALUES(is_proxy), implementation_address = VALUES(implementation_address),
        source_code = VALUES(source_code), abi = VALUES(abi), cached_at = VALUES(cached_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.NetworkID,
		strings.ToLower(record.Address),
		record.Name,
		record.Symbol,
		record.Protocol,
		record.ContractType,
		record.Version,
		record.Tags,
		record.IsProxy,
		strings.ToLower(record.ImplementationAddress),
		record.SourceCode,
		record.ABI,
		cachedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入合约记录失败")
	}
	return nil
}

// Search 返回满足查询条件的记录，按缓存时间倒序排列。
func (s *MySQLStore) Search(ctx context.Context, query Query) ([]*Record, error) {
	stmt := `SELECT network_id, address, name, symbol, protocol, contract_type, version,
        tags, is_proxy, implementation_address, source_code, abi, cached_at
        FROM contract_records`

	conditions := make([]string, 0, 6)
	args := make([]any, 0, 6)
	if query.NetworkID != "" {
		conditions = append(conditions, "network_id = ?")
		args = append(args, query.NetworkID)
	}
	if query.Symbol != "" {
		conditions = append(conditions, "LOWER(symbol) = LOWER(?)")
		args = append(args, query.Symbol)
	}
	if query.ContractType != "" {
		conditions = append(conditions, "contract_type = ?")
		args = append(args, query.ContractType)
	}
	if query.Version != "" {
		conditions = append(conditions, "version = ?")
		args = append(args, query.Version)
	}
	if query.ProtocolContains != "" {
		conditions = append(conditions, "LOWER(protocol) LIKE CONCAT('%', LOWER(?), '%')")
		args = append(args, query.ProtocolContains)
	}
	if query.TagsContains != "" {
		conditions = append(conditions, "LOWER(tags) LIKE CONCAT('%', LOWER(?), '%')")
		args = append(args, query.TagsContains)
	}
	if query.NameContains != "" {
		conditions = append(conditions, "LOWER(name) LIKE CONCAT('%', LOWER(?), '%')")
		args = append(args, query.NameContains)
	}
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	stmt += " ORDER BY cached_at DESC, address ASC"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "检索合约记录失败")
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析合约记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历合约记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var tags, sourceCode, abi sql.NullString
	if err := row.Scan(
		&record.NetworkID,
		&record.Address,
		&record.Name,
		&record.Symbol,
		&record.Protocol,
		&record.ContractType,
		&record.Version,
		&tags,
		&record.IsProxy,
		&record.ImplementationAddress,
		&sourceCode,
		&abi,
		&record.CachedAt,
	); err != nil {
		return nil, err
	}
	record.Tags = tags.String
	record.SourceCode = sourceCode.String
	record.ABI = abi.String
	return &record, nil
}

var _ Store = (*MySQLStore)(nil)
