package fixture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/internal/graph"
)

// Expectation 断言某个组在流水线结束后的状态。
type Expectation struct {
	Group  int    `json:"group"`
	Status string `json:"status"`
	// RevertContains 在期望回滚时进一步匹配回滚原因的子串。
	RevertContains string `json:"revert_contains,omitempty"`
	// StateDiffs 断言执行结果的状态差异：键必须存在，期望值非空时
	// 还要求精确相等。可用于检查部署地址或账户余额。
	StateDiffs map[string]string `json:"state_diffs,omitempty"`
	// EventTopics 中的每个 topic 都必须是某条事件的首个 topic。
	EventTopics []string `json:"event_topics,omitempty"`
}

// Fixture 是一个端到端验证场景：一组操作图加上期望的最终状态。
type Fixture struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	NetworkID    string                 `json:"network_id,omitempty"`
	Groups       []graph.OperationGroup `json:"groups"`
	Expectations []Expectation          `json:"expectations"`
}

// Load 读取目录下的所有夹具文件。filter 非空时只保留名称包含该子串
// 的夹具。返回结果按名称排序，保证同一目录的执行顺序稳定。
func Load(dir, filter string) ([]*Fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取夹具目录失败")
	}

	fixtures := make([]*Fixture, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fixture, err := loadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if filter != "" && !strings.Contains(fixture.Name, filter) {
			continue
		}
		fixtures = append(fixtures, fixture)
	}

	sort.Slice(fixtures, func(i, j int) bool {
		return fixtures[i].Name < fixtures[j].Name
	})
	return fixtures, nil
}

func loadFile(path string) (*Fixture, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("读取夹具 %s 失败", filepath.Base(path)))
	}

	var fixture Fixture
	if err := json.Unmarshal(content, &fixture); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("夹具 %s 不是合法 JSON", filepath.Base(path)))
	}
	if err := fixture.validate(filepath.Base(path)); err != nil {
		return nil, err
	}
	return &fixture, nil
}

func (f *Fixture) validate(filename string) error {
	if strings.TrimSpace(f.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("夹具 %s 缺少 name", filename))
	}
	if len(f.Groups) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("夹具 %s 没有任何组", f.Name))
	}

	// 组索引由数组位置决定，文件里无需重复声明。
	for i := range f.Groups {
		f.Groups[i].Index = i
	}
	if err := graph.Validate(f.Groups); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("夹具 %s 的依赖图非法", f.Name))
	}

	for _, expectation := range f.Expectations {
		if expectation.Group < 0 || expectation.Group >= len(f.Groups) {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("夹具 %s 的期望引用了越界的组 %d", f.Name, expectation.Group))
		}
		switch graph.Status(expectation.Status) {
		case graph.StatusSuccess, graph.StatusReverted, graph.StatusError, graph.StatusSkipped:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("夹具 %s 的期望状态 %q 不合法", f.Name, expectation.Status))
		}
	}
	return nil
}
