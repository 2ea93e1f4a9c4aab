package sandbox

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	xerrors "IntentForge-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// StepAction enumerates the operations a script step may perform.
type StepAction string

const (
	StepCall     StepAction = "call"
	StepDeploy   StepAction = "deploy"
	StepTransfer StepAction = "transfer"
)

// Step is one entry of the generated script: a contract call, a contract
// deployment or a plain value transfer.
type Step struct {
	Action    StepAction `json:"action"`
	Target    string     `json:"target,omitempty"`
	Signature string     `json:"signature,omitempty"`
	Args      []string   `json:"args,omitempty"`
	// Value is a decimal wei amount attached to the step.
	Value string `json:"value,omitempty"`
	// Bytecode is the hex creation code for deploy steps.
	Bytecode string `json:"bytecode,omitempty"`
}

// Script is the structured form of a generated script.
type Script struct {
	Steps []Step `json:"steps"`
}

// CompiledStep carries ready-to-submit transaction fields.
type CompiledStep struct {
	Action StepAction
	To     *common.Address
	Data   []byte
	Value  *big.Int
}

// CompiledScript is a script whose calls were checked and encoded against
// the ABIs of the contracts it touches.
type CompiledScript struct {
	Steps []CompiledStep
}

// ParseScript decodes generated script text into its structured form.
func ParseScript(sourceText string) (*Script, error) {
	var script Script
	if err := json.Unmarshal([]byte(sourceText), &script); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "脚本不是合法的 JSON 步骤列表")
	}
	if len(script.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeSynthesisFailure, "脚本不包含任何步骤")
	}
	return &script, nil
}

// Compile validates each step against the ABI of its target contract and
// encodes the calldata. All diagnostics are collected so the caller can
// feed them back into script regeneration in one round trip.
func Compile(script *Script, abis map[string]string) (*CompiledScript, error) {
	if script == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "脚本不能为空")
	}

	compiled := &CompiledScript{Steps: make([]CompiledStep, 0, len(script.Steps))}
	diagnostics := make([]string, 0)

	for idx, step := range script.Steps {
		compiledStep, err := compileStep(step, abis)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("step %d: %v", idx, err))
			continue
		}
		compiled.Steps = append(compiled.Steps, compiledStep)
	}

	if len(diagnostics) > 0 {
		return nil, xerrors.New(xerrors.CodeSynthesisFailure, strings.Join(diagnostics, "; "))
	}
	return compiled, nil
}

func compileStep(step Step, abis map[string]string) (CompiledStep, error) {
	value, err := parseWei(step.Value)
	if err != nil {
		return CompiledStep{}, err
	}

	switch step.Action {
	case StepTransfer:
		target, err := parseAddress(step.Target)
		if err != nil {
			return CompiledStep{}, err
		}
		if value.Sign() <= 0 {
			return CompiledStep{}, fmt.Errorf("transfer 步骤的 value 必须为正数")
		}
		return CompiledStep{Action: StepTransfer, To: &target, Value: value}, nil

	case StepDeploy:
		bytecode := strings.TrimSpace(step.Bytecode)
		if bytecode == "" {
			return CompiledStep{}, fmt.Errorf("deploy 步骤缺少 bytecode")
		}
		data := common.FromHex(bytecode)
		if len(data) == 0 {
			return CompiledStep{}, fmt.Errorf("deploy 步骤的 bytecode 不是合法十六进制")
		}
		return CompiledStep{Action: StepDeploy, Data: data, Value: value}, nil

	case StepCall:
		target, err := parseAddress(step.Target)
		if err != nil {
			return CompiledStep{}, err
		}
		abiJSON, ok := abis[strings.ToLower(step.Target)]
		if !ok {
			return CompiledStep{}, fmt.Errorf("目标合约 %s 不在本组解析出的合约集合里", step.Target)
		}
		data, err := encodeCall(step, abiJSON)
		if err != nil {
			return CompiledStep{}, err
		}
		return CompiledStep{Action: StepCall, To: &target, Data: data, Value: value}, nil

	default:
		return CompiledStep{}, fmt.Errorf("未知的步骤类型 %q", step.Action)
	}
}

func encodeCall(step Step, abiJSON string) ([]byte, error) {
	signature := strings.TrimSpace(step.Signature)
	if signature == "" {
		return nil, fmt.Errorf("call 步骤缺少函数签名")
	}

	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("目标合约 ABI 不合法: %v", err)
	}

	var method *abi.Method
	for name := range parsed.Methods {
		candidate := parsed.Methods[name]
		if candidate.Sig == signature {
			method = &candidate
			break
		}
	}
	if method == nil {
		return nil, fmt.Errorf("函数 %s 在目标合约 ABI 中不存在", signature)
	}
	if len(step.Args) != len(method.Inputs) {
		return nil, fmt.Errorf("函数 %s 期望 %d 个参数, 实际 %d 个",
			signature, len(method.Inputs), len(step.Args))
	}

	values := make([]any, len(step.Args))
	for i, input := range method.Inputs {
		value, err := convertArg(input.Type, step.Args[i])
		if err != nil {
			return nil, fmt.Errorf("函数 %s 第 %d 个参数: %v", signature, i, err)
		}
		values[i] = value
	}

	packed, err := method.Inputs.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("函数 %s 参数编码失败: %v", signature, err)
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// convertArg turns a string argument into the Go value go-ethereum's ABI
// packer expects for the given Solidity type.
func convertArg(t abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t.T {
	case abi.AddressTy:
		return parseAddress(raw)
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("%q 不是合法整数", raw)
		}
		return sizedInteger(t, n)
	case abi.BoolTy:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q 不是合法布尔值", raw)
		}
		return b, nil
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return common.FromHex(raw), nil
	case abi.FixedBytesTy:
		data := common.FromHex(raw)
		if len(data) != t.Size {
			return nil, fmt.Errorf("期望 %d 字节, 实际 %d 字节", t.Size, len(data))
		}
		array := reflect.New(t.GetType()).Elem()
		reflect.Copy(array, reflect.ValueOf(data))
		return array.Interface(), nil
	default:
		return nil, fmt.Errorf("暂不支持的参数类型 %s", t.String())
	}
}

// sizedInteger mirrors go-ethereum's ABI mapping: sizes 8/16/32/64 use
// native Go integers, everything else is packed as *big.Int.
func sizedInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s 超出 uint%d 的范围", n.String(), t.Size)
		}
		switch t.Size {
		case 8:
			return uint8(n.Uint64()), nil
		case 16:
			return uint16(n.Uint64()), nil
		case 32:
			return uint32(n.Uint64()), nil
		case 64:
			return n.Uint64(), nil
		default:
			return n, nil
		}
	}
	switch t.Size {
	case 8, 16, 32, 64:
		// 有符号范围是 [-2^(size-1), 2^(size-1))，越界必须拒绝而不是
		// 在转换到窄类型时静默截断。
		bound := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(new(big.Int).Neg(bound)) < 0 || n.Cmp(bound) >= 0 {
			return nil, fmt.Errorf("%s 超出 int%d 的范围", n.String(), t.Size)
		}
	default:
		return n, nil
	}
	switch t.Size {
	case 8:
		return int8(n.Int64()), nil
	case 16:
		return int16(n.Int64()), nil
	case 32:
		return int32(n.Int64()), nil
	default:
		return n.Int64(), nil
	}
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%q 不是合法地址", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseWei(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%q 不是合法的 wei 数额", raw)
	}
	return n, nil
}
