package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/explorer"
)

const (
	defaultBaseURL = "https://api.etherscan.io/v2/api"
	defaultTimeout = 30 * time.Second

	notVerifiedMessage = "Contract source code not verified"
)

// Config 描述调用 Etherscan v2 API 所需的信息。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 Etherscan v2 统一接口抓取各网络的已验证合约。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建 Etherscan 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Etherscan API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type sourceCodeEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type sourceCodeEntry struct {
	SourceCode      string `json:"SourceCode"`
	ABI             string `json:"ABI"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
	Proxy           string `json:"Proxy"`
	Implementation  string `json:"Implementation"`
}

// FetchContract 调用 getsourcecode 接口抓取指定地址的合约。
func (c *Client) FetchContract(ctx context.Context, networkID, address string) (*explorer.Contract, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "合约地址不能为空")
	}

	params := url.Values{}
	params.Set("chainid", networkID)
	params.Set("module", "contract")
	params.Set("action", "getsourcecode")
	params.Set("address", address)
	params.Set("apikey", c.apiKey)

	endpoint := c.baseURL + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "构建 Etherscan 请求失败")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "请求 Etherscan 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeInfrastructure,
			fmt.Sprintf("Etherscan 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var envelope sourceCodeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "解析 Etherscan 响应失败")
	}

	// status=0 时 result 可能是一条错误字符串而非数组。
	if envelope.Status != "1" {
		var detail string
		_ = json.Unmarshal(envelope.Result, &detail)
		if strings.Contains(envelope.Message, notVerifiedMessage) || strings.Contains(detail, notVerifiedMessage) {
			return nil, explorer.ErrNotVerified
		}
		return nil, xerrors.New(xerrors.CodeInfrastructure,
			fmt.Sprintf("Etherscan 查询失败: %s %s", envelope.Message, detail))
	}

	var entries []sourceCodeEntry
	if err := json.Unmarshal(envelope.Result, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "解析 Etherscan 合约列表失败")
	}
	if len(entries) == 0 {
		return nil, explorer.ErrNotVerified
	}

	entry := entries[0]
	if strings.TrimSpace(entry.SourceCode) == "" || entry.ABI == notVerifiedMessage {
		return nil, explorer.ErrNotVerified
	}

	return &explorer.Contract{
		NetworkID:             networkID,
		Address:               address,
		Name:                  entry.ContractName,
		SourceCode:            normalizeSource(entry.SourceCode),
		ABI:                   entry.ABI,
		CompilerVersion:       entry.CompilerVersion,
		IsProxy:               entry.Proxy == "1",
		ImplementationAddress: strings.ToLower(entry.Implementation),
	}, nil
}

// normalizeSource 处理多文件合约的双大括号包装格式，拼出可读的源码文本。
func normalizeSource(source string) string {
	trimmed := strings.TrimSpace(source)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return source
	}

	inner := trimmed[1 : len(trimmed)-1]
	var bundle struct {
		Sources map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
	}
	if err := json.Unmarshal([]byte(inner), &bundle); err != nil || len(bundle.Sources) == 0 {
		return source
	}

	paths := make([]string, 0, len(bundle.Sources))
	for path := range bundle.Sources {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var builder strings.Builder
	for _, path := range paths {
		builder.WriteString("// File: " + path + "\n")
		builder.WriteString(bundle.Sources[path].Content)
		builder.WriteString("\n")
	}
	return builder.String()
}

var _ explorer.Client = (*Client)(nil)
