package graph

import (
	"fmt"
	"sort"
	"strings"

	xerrors "IntentForge-Chain/internal/errors"
)

// ContractReference 描述一个组需要的合约。Address 为空时按模糊条件解析。
type ContractReference struct {
	NetworkID    string `json:"network_id"`
	Address      string `json:"address,omitempty"`
	Name         string `json:"name,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	ContractType string `json:"contract_type,omitempty"`
	Version      string `json:"version,omitempty"`
	Tags         string `json:"tags,omitempty"`
}

// Fuzzy 判断该引用是否需要走模糊解析。
func (r ContractReference) Fuzzy() bool {
	return strings.TrimSpace(r.Address) == ""
}

// Key 返回 (network, address) 形式的精确键。
func (r ContractReference) Key() string {
	return r.NetworkID + ":" + strings.ToLower(r.Address)
}

// OperationGroup 是一个执行单元：有序的自然语言操作、合约引用与依赖组索引。
type OperationGroup struct {
	Index        int                 `json:"index"`
	Description  string              `json:"description"`
	Operations   []string            `json:"operations"`
	Dependencies []int               `json:"dependencies"`
	Contracts    []ContractReference `json:"contracts"`
}

// Validate 校验依赖图的结构合法性。任何违规都会返回 GRAPH_INVALID 错误，
// 错误信息中带上出问题的组索引，整条流水线不允许部分执行。
func Validate(groups []OperationGroup) error {
	seen := make(map[int]bool, len(groups))
	for pos, group := range groups {
		if group.Index != pos {
			return xerrors.New(xerrors.CodeGraphInvalid,
				fmt.Sprintf("组索引 %d 与位置 %d 不一致", group.Index, pos))
		}
		if seen[group.Index] {
			return xerrors.New(xerrors.CodeGraphInvalid,
				fmt.Sprintf("组索引 %d 重复", group.Index))
		}
		seen[group.Index] = true

		for _, dep := range group.Dependencies {
			if dep < 0 || dep >= len(groups) {
				return xerrors.New(xerrors.CodeGraphInvalid,
					fmt.Sprintf("组 %d 依赖了越界索引 %d", group.Index, dep))
			}
			if dep == group.Index {
				return xerrors.New(xerrors.CodeGraphInvalid,
					fmt.Sprintf("组 %d 依赖了自身", group.Index))
			}
		}
	}

	if cycle := findCycle(groups); len(cycle) > 0 {
		return xerrors.New(xerrors.CodeGraphInvalid,
			fmt.Sprintf("依赖图存在环: %s", joinIndices(cycle)))
	}
	return nil
}

// TopoOrder 返回一个与依赖图一致的全序。同一批可调度的组按原始索引
// 升序输出，保证同一输入的排序结果可复现。
func TopoOrder(groups []OperationGroup) ([]int, error) {
	if err := Validate(groups); err != nil {
		return nil, err
	}

	indegree := make([]int, len(groups))
	dependents := make([][]int, len(groups))
	for _, group := range groups {
		indegree[group.Index] = len(group.Dependencies)
		for _, dep := range group.Dependencies {
			dependents[dep] = append(dependents[dep], group.Index)
		}
	}

	order := make([]int, 0, len(groups))
	ready := make([]int, 0, len(groups))
	for idx := range groups {
		if indegree[idx] == 0 {
			ready = append(ready, idx)
		}
	}
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order, nil
}

// Waves 将依赖图切分为波次：每一波内的组互相独立，可并发准备。
func Waves(groups []OperationGroup) ([][]int, error) {
	if err := Validate(groups); err != nil {
		return nil, err
	}

	level := make([]int, len(groups))
	order, err := TopoOrder(groups)
	if err != nil {
		return nil, err
	}
	maxLevel := 0
	for _, idx := range order {
		for _, dep := range groups[idx].Dependencies {
			if level[dep]+1 > level[idx] {
				level[idx] = level[dep] + 1
			}
		}
		if level[idx] > maxLevel {
			maxLevel = level[idx]
		}
	}

	waves := make([][]int, maxLevel+1)
	for idx := range groups {
		waves[level[idx]] = append(waves[level[idx]], idx)
	}
	for _, wave := range waves {
		sort.Ints(wave)
	}
	return waves, nil
}

// findCycle 用基于索引的 Kahn 排序找环，返回参与环的组索引。
func findCycle(groups []OperationGroup) []int {
	indegree := make([]int, len(groups))
	dependents := make([][]int, len(groups))
	for _, group := range groups {
		indegree[group.Index] = len(group.Dependencies)
		for _, dep := range group.Dependencies {
			dependents[dep] = append(dependents[dep], group.Index)
		}
	}

	queue := make([]int, 0, len(groups))
	for idx := range groups {
		if indegree[idx] == 0 {
			queue = append(queue, idx)
		}
	}
	removed := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		removed++
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if removed == len(groups) {
		return nil
	}

	cycle := make([]int, 0)
	for idx := range groups {
		if indegree[idx] > 0 {
			cycle = append(cycle, idx)
		}
	}
	return cycle
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return strings.Join(parts, ", ")
}
