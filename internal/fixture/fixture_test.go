package fixture

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "IntentForge-Chain/internal/errors"
)

func writeFixture(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		t.Fatalf("写入夹具失败: %v", err)
	}
}

const wrapFixture = `{
	"name": "wrap-eth",
	"description": "wrap one ether",
	"groups": [
		{"description": "wrap", "operations": ["wrap 1 ETH"],
		 "contracts": [{"network_id": "1", "symbol": "WETH"}]}
	],
	"expectations": [{"group": 0, "status": "success"}]
}`

const chainFixture = `{
	"name": "swap-chain",
	"description": "wrap then swap",
	"groups": [
		{"description": "wrap", "operations": ["wrap 1 ETH"]},
		{"description": "swap", "operations": ["swap"], "dependencies": [0]}
	],
	"expectations": [
		{"group": 0, "status": "success"},
		{"group": 1, "status": "reverted", "revert_contains": "insufficient"}
	]
}`

func TestLoadSortsByName(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "b.json", chainFixture)
	writeFixture(t, dir, "a.json", wrapFixture)
	writeFixture(t, dir, "notes.txt", "ignored")

	fixtures, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(fixtures) != 2 {
		t.Fatalf("夹具数 = %d, want 2", len(fixtures))
	}
	if fixtures[0].Name != "swap-chain" || fixtures[1].Name != "wrap-eth" {
		t.Fatalf("排序结果 = %s, %s", fixtures[0].Name, fixtures[1].Name)
	}
	// 组索引由位置决定。
	if fixtures[0].Groups[1].Index != 1 {
		t.Fatalf("Index = %d, want 1", fixtures[0].Groups[1].Index)
	}
}

func TestLoadFilterByName(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "a.json", wrapFixture)
	writeFixture(t, dir, "b.json", chainFixture)

	fixtures, err := Load(dir, "wrap")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(fixtures) != 1 || fixtures[0].Name != "wrap-eth" {
		t.Fatalf("过滤结果 = %+v", fixtures)
	}
}

func TestLoadRejectsInvalidGraph(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "bad.json", `{
		"name": "cyclic",
		"groups": [
			{"description": "a", "operations": ["x"], "dependencies": [1]},
			{"description": "b", "operations": ["y"], "dependencies": [0]}
		]
	}`)

	_, err := Load(dir, "")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInvalidArgument)
	}
}

func TestLoadRejectsBadExpectation(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "bad.json", `{
		"name": "bad-expectation",
		"groups": [{"description": "a", "operations": ["x"]}],
		"expectations": [{"group": 5, "status": "success"}]
	}`)
	if _, err := Load(dir, ""); err == nil {
		t.Fatal("越界的期望应报错")
	}

	writeFixture(t, dir, "bad.json", `{
		"name": "bad-status",
		"groups": [{"description": "a", "operations": ["x"]}],
		"expectations": [{"group": 0, "status": "exploded"}]
	}`)
	if _, err := Load(dir, ""); err == nil {
		t.Fatal("未知的期望状态应报错")
	}
}

func TestLoadRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "anon.json", `{"groups": [{"description": "a", "operations": ["x"]}]}`)
	if _, err := Load(dir, ""); err == nil {
		t.Fatal("缺少 name 的夹具应报错")
	}
}
