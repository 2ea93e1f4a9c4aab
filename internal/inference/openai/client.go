package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/inference"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

// Config 描述调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 OpenAI 兼容接口实现两阶段结构化推理。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// AnalyzeContract 调用模型提取合约函数信息。
func (c *Client) AnalyzeContract(ctx context.Context, req inference.AnalysisRequest) (*inference.ContractAnalysis, error) {
	content, err := c.complete(ctx, analysisSystemPrompt, buildAnalysisPrompt(req))
	if err != nil {
		return nil, err
	}

	var analysis inference.ContractAnalysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAnalysisFailure, err, "合约分析结果不是合法 JSON")
	}
	if analysis.Address == "" {
		analysis.Address = req.Address
	}
	if analysis.Name == "" {
		analysis.Name = req.Name
	}
	return &analysis, nil
}

// GenerateScript 调用模型生成执行脚本。
func (c *Client) GenerateScript(ctx context.Context, req inference.SynthesisRequest) (*inference.GeneratedScript, error) {
	content, err := c.complete(ctx, synthesisSystemPrompt, buildSynthesisPrompt(req))
	if err != nil {
		return nil, err
	}

	var script inference.GeneratedScript
	if err := json.Unmarshal([]byte(content), &script); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "脚本生成结果不是合法 JSON")
	}
	if strings.TrimSpace(script.SourceText) == "" {
		return nil, xerrors.New(xerrors.CodeSynthesisFailure, "脚本生成结果为空")
	}
	return &script, nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "序列化推理请求失败")
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "构建推理请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "请求推理服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeInfrastructure,
			fmt.Sprintf("推理服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInfrastructure, err, "解析推理响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeInfrastructure, "推理响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeInfrastructure, "推理响应内容为空")
	}
	return content, nil
}

const analysisSystemPrompt = "" +
	"You are a smart-contract analyst. Given contract source code, its ABI and a list " +
	"of intended operations, identify the functions relevant to those operations. " +
	"Respond with a compact JSON object: {\"address\": string, \"name\": string, " +
	"\"summary\": string, \"is_proxy\": bool, \"functions\": [{\"name\": string, " +
	"\"signature\": string, \"state_mutability\": string, \"description\": string}], " +
	"\"events\": [{\"name\": string, \"signature\": string, \"description\": string}], " +
	"\"storage_slots\": {name: slot-number-string}, " +
	"\"detected_constants\": {name: value-string}, \"warnings\": [string]}. " +
	"Signatures must use canonical Solidity types, e.g. \"transfer(address,uint256)\". " +
	"List only events the operations would emit, storage slots and source constants " +
	"(fees, caps, minimums) that affect them, and warnings for anything that could " +
	"block the operations. Prefix a warning with \"unresolved reference:\" when the " +
	"source calls into code you cannot see."

const synthesisSystemPrompt = "" +
	"You are an execution-script writer for EVM networks. Given contract analyses and " +
	"an ordered list of operations, produce a JSON step list that performs them. " +
	"Respond with a compact JSON object: {\"source_text\": string, \"notes\": string} " +
	"where source_text is itself a JSON document of the form {\"steps\": [{\"action\": " +
	"\"call\"|\"deploy\"|\"transfer\", \"target\": address, \"signature\": string, " +
	"\"args\": [string], \"value\": decimal-wei-string}]}. Steps run in order; earlier " +
	"results are not visible to later steps unless passed explicitly as args."

func buildAnalysisPrompt(req inference.AnalysisRequest) string {
	var builder strings.Builder
	builder.WriteString("## 合约\n")
	builder.WriteString(fmt.Sprintf("网络: %s\n地址: %s\n名称: %s\n", req.NetworkID, req.Address, req.Name))
	if req.IsProxy {
		builder.WriteString("该地址是代理合约。\n")
	}

	builder.WriteString("\n## 目标操作\n")
	for idx, op := range req.Objectives {
		builder.WriteString(fmt.Sprintf("%d. %s\n", idx+1, op))
	}

	builder.WriteString("\n## ABI\n")
	builder.WriteString(req.ABI)
	builder.WriteString("\n\n## 源码\n")
	builder.WriteString(req.SourceCode)
	return builder.String()
}

func buildSynthesisPrompt(req inference.SynthesisRequest) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("## 任务组 %d\n%s\n", req.GroupIndex, req.Description))

	builder.WriteString("\n## 操作（按序执行）\n")
	for idx, op := range req.Operations {
		builder.WriteString(fmt.Sprintf("%d. %s\n", idx+1, op))
	}

	builder.WriteString("\n## 可用合约\n")
	for _, analysis := range req.Analyses {
		builder.WriteString(fmt.Sprintf("- %s (%s): %s\n", analysis.Name, analysis.Address, analysis.Summary))
		for _, fn := range analysis.Functions {
			builder.WriteString(fmt.Sprintf("    %s [%s] %s\n", fn.Signature, fn.StateMutability, fn.Description))
		}
		for _, event := range analysis.Events {
			builder.WriteString(fmt.Sprintf("    event %s %s\n", event.Signature, event.Description))
		}
		for _, name := range sortedKeys(analysis.DetectedConstants) {
			builder.WriteString(fmt.Sprintf("    const %s = %s\n", name, analysis.DetectedConstants[name]))
		}
	}

	if strings.TrimSpace(req.PriorContext) != "" {
		builder.WriteString("\n## 依赖组执行结果\n")
		builder.WriteString(req.PriorContext)
		builder.WriteString("\n")
	}

	if strings.TrimSpace(req.Diagnostics) != "" {
		builder.WriteString("\n## 上一次生成的脚本未通过编译\n")
		builder.WriteString(req.Diagnostics)
		builder.WriteString("\n请修复以上问题后重新生成完整脚本。\n")
	}
	return builder.String()
}

// sortedKeys 返回按升序排列的键，保证提示词内容可复现。
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var _ inference.Client = (*Client)(nil)
