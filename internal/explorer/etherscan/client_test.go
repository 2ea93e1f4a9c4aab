package etherscan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/explorer"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, server
}

func TestFetchContractSuccess(t *testing.T) {
	var gotQuery map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"chainid": r.URL.Query().Get("chainid"),
			"module":  r.URL.Query().Get("module"),
			"action":  r.URL.Query().Get("action"),
			"address": r.URL.Query().Get("address"),
			"apikey":  r.URL.Query().Get("apikey"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "1",
			"message": "OK",
			"result": [{
				"SourceCode": "contract WETH9 { }",
				"ABI": "[{\"type\":\"function\",\"name\":\"deposit\"}]",
				"ContractName": "WETH9",
				"CompilerVersion": "v0.4.19",
				"Proxy": "0",
				"Implementation": ""
			}]
		}`))
	})

	contract, err := client.FetchContract(context.Background(),
		"1", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	if err != nil {
		t.Fatalf("FetchContract() error = %v", err)
	}
	if contract.Name != "WETH9" {
		t.Fatalf("Name = %s, want WETH9", contract.Name)
	}
	if contract.IsProxy {
		t.Fatal("WETH9 不是代理合约")
	}
	if gotQuery["chainid"] != "1" || gotQuery["module"] != "contract" || gotQuery["action"] != "getsourcecode" {
		t.Fatalf("查询参数不正确: %v", gotQuery)
	}
	// 地址必须统一小写后再发出。
	if gotQuery["address"] != "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2" {
		t.Fatalf("address = %s, 未做小写处理", gotQuery["address"])
	}
	if gotQuery["apikey"] != "test-key" {
		t.Fatalf("apikey = %s", gotQuery["apikey"])
	}
}

func TestFetchContractNotVerified(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "0",
			"message": "NOTOK",
			"result": "Contract source code not verified"
		}`))
	})

	_, err := client.FetchContract(context.Background(), "1", "0x0000000000000000000000000000000000000001")
	if !errors.Is(err, explorer.ErrNotVerified) {
		t.Fatalf("err = %v, want ErrNotVerified", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeContractNotFound {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeContractNotFound)
	}
}

func TestFetchContractProxyFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "1",
			"message": "OK",
			"result": [{
				"SourceCode": "contract Proxy { }",
				"ABI": "[]",
				"ContractName": "TransparentUpgradeableProxy",
				"CompilerVersion": "v0.8.20",
				"Proxy": "1",
				"Implementation": "0xAbCd000000000000000000000000000000000001"
			}]
		}`))
	})

	contract, err := client.FetchContract(context.Background(), "1", "0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatalf("FetchContract() error = %v", err)
	}
	if !contract.IsProxy {
		t.Fatal("应识别为代理合约")
	}
	if contract.ImplementationAddress != "0xabcd000000000000000000000000000000000001" {
		t.Fatalf("ImplementationAddress = %s, 未做小写处理", contract.ImplementationAddress)
	}
}

func TestFetchContractServerError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := client.FetchContract(context.Background(), "1", "0x0000000000000000000000000000000000000003")
	if xerrors.CodeOf(err) != xerrors.CodeInfrastructure {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInfrastructure)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("基础设施错误应可重试")
	}
}

func TestNormalizeMultiFileSource(t *testing.T) {
	source := `{{"language":"Solidity","sources":{"b.sol":{"content":"contract B {}"},"a.sol":{"content":"contract A {}"}}}}`
	normalized := normalizeSource(source)
	want := "// File: a.sol\ncontract A {}\n// File: b.sol\ncontract B {}\n"
	if normalized != want {
		t.Fatalf("normalizeSource() = %q, want %q", normalized, want)
	}
}
