package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/inference"
)

func chatResponse(content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(payload)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestAnalyzeContract(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %s", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(`{
			"address": "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
			"name": "WETH9",
			"summary": "Wrapped ether",
			"is_proxy": false,
			"functions": [{"name": "deposit", "signature": "deposit()", "state_mutability": "payable", "description": "wrap ETH"}],
			"events": [{"name": "Deposit", "signature": "Deposit(address,uint256)", "description": "emitted on wrap"}],
			"storage_slots": {"balanceOf": "3"},
			"detected_constants": {"decimals": "18"},
			"warnings": ["deposit 需要附带 ETH"]
		}`)))
	})

	analysis, err := client.AnalyzeContract(context.Background(), inference.AnalysisRequest{
		NetworkID:  "1",
		Address:    "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		Name:       "WETH9",
		SourceCode: "contract WETH9 { }",
		ABI:        "[]",
		Objectives: []string{"wrap 1 ETH"},
	})
	if err != nil {
		t.Fatalf("AnalyzeContract() error = %v", err)
	}
	if len(analysis.Functions) != 1 || analysis.Functions[0].Signature != "deposit()" {
		t.Fatalf("Functions = %+v", analysis.Functions)
	}
	if len(analysis.Events) != 1 || analysis.Events[0].Signature != "Deposit(address,uint256)" {
		t.Fatalf("Events = %+v", analysis.Events)
	}
	if analysis.StorageSlots["balanceOf"] != "3" || analysis.DetectedConstants["decimals"] != "18" {
		t.Fatalf("StorageSlots = %v, DetectedConstants = %v", analysis.StorageSlots, analysis.DetectedConstants)
	}
	if len(analysis.Warnings) != 1 {
		t.Fatalf("Warnings = %v", analysis.Warnings)
	}

	messages, _ := gotBody["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("请求应包含 system 和 user 两条消息, got %d", len(messages))
	}
	user, _ := messages[1].(map[string]any)
	if content, _ := user["content"].(string); !strings.Contains(content, "wrap 1 ETH") {
		t.Fatal("user 消息应包含目标操作")
	}
}

func TestAnalyzeContractInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse("not json at all")))
	})

	_, err := client.AnalyzeContract(context.Background(), inference.AnalysisRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeAnalysisFailure {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeAnalysisFailure)
	}
}

func TestGenerateScript(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(`{
			"source_text": "{\"steps\":[{\"action\":\"call\",\"target\":\"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2\",\"signature\":\"deposit()\",\"args\":[],\"value\":\"1000000000000000000\"}]}",
			"notes": "wrap one ether"
		}`)))
	})

	script, err := client.GenerateScript(context.Background(), inference.SynthesisRequest{
		GroupIndex:  0,
		Description: "wrap ETH",
		Operations:  []string{"wrap 1 ETH"},
	})
	if err != nil {
		t.Fatalf("GenerateScript() error = %v", err)
	}
	if !strings.Contains(script.SourceText, "deposit()") {
		t.Fatalf("SourceText = %s", script.SourceText)
	}
}

func TestGenerateScriptIncludesDiagnostics(t *testing.T) {
	var userContent string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		messages, _ := body["messages"].([]any)
		user, _ := messages[1].(map[string]any)
		userContent, _ = user["content"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(`{"source_text": "{\"steps\":[]}", "notes": ""}`)))
	})

	_, err := client.GenerateScript(context.Background(), inference.SynthesisRequest{
		Diagnostics: "unknown function deposit(uint256)",
	})
	if err != nil {
		t.Fatalf("GenerateScript() error = %v", err)
	}
	if !strings.Contains(userContent, "unknown function deposit(uint256)") {
		t.Fatal("重新生成的请求应携带编译诊断")
	}
}

func TestGenerateScriptEmptyScript(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(`{"source_text": "", "notes": ""}`)))
	})

	_, err := client.GenerateScript(context.Background(), inference.SynthesisRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeSynthesisFailure {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeSynthesisFailure)
	}
}

func TestServerErrorIsInfrastructure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.AnalyzeContract(context.Background(), inference.AnalysisRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeInfrastructure {
		t.Fatalf("CodeOf() = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInfrastructure)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("基础设施错误应可重试")
	}
}
