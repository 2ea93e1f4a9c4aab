package graph

import (
	"sort"
	"sync"
)

// Status 表示组在调度生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
	StatusError    Status = "error"
	StatusSkipped  Status = "skipped"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusReverted, StatusError, StatusSkipped:
		return true
	default:
		return false
	}
}

// Plan 持有一次流水线调用的调度状态。结构校验在构造时完成，
// 之后的状态变更都是并发安全的。
type Plan struct {
	mu         sync.Mutex
	groups     []OperationGroup
	statuses   []Status
	dependents [][]int
}

// NewPlan 校验依赖图并构造调度计划。
func NewPlan(groups []OperationGroup) (*Plan, error) {
	if err := Validate(groups); err != nil {
		return nil, err
	}

	dependents := make([][]int, len(groups))
	for _, group := range groups {
		for _, dep := range group.Dependencies {
			dependents[dep] = append(dependents[dep], group.Index)
		}
	}

	statuses := make([]Status, len(groups))
	for i := range statuses {
		statuses[i] = StatusPending
	}
	return &Plan{groups: groups, statuses: statuses, dependents: dependents}, nil
}

// Groups 返回计划中的组。
func (p *Plan) Groups() []OperationGroup {
	return p.groups
}

// Group 返回指定索引的组。
func (p *Plan) Group(idx int) OperationGroup {
	return p.groups[idx]
}

// NextReadyBatch 返回下一批可调度的组：状态为 pending 且所有依赖都已成功。
// 结果按索引升序排列，并立即置为 running，避免同一组被发出两次。
func (p *Plan) NextReadyBatch() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready := make([]int, 0)
	for idx, group := range p.groups {
		if p.statuses[idx] != StatusPending {
			continue
		}
		eligible := true
		for _, dep := range group.Dependencies {
			if p.statuses[dep] != StatusSuccess {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, idx)
		}
	}
	sort.Ints(ready)
	for _, idx := range ready {
		p.statuses[idx] = StatusRunning
	}
	return ready
}

// MarkSuccess 记录组执行成功。
func (p *Plan) MarkSuccess(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[idx] = StatusSuccess
}

// MarkFailure 记录组失败并把所有传递依赖它的组标记为 skipped，
// 保证失败不会级联成无谓的外部调用。
func (p *Plan) MarkFailure(idx int, status Status) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status != StatusReverted && status != StatusError {
		status = StatusError
	}
	p.statuses[idx] = status

	skipped := make([]int, 0)
	queue := append([]int(nil), p.dependents[idx]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if p.statuses[next].Terminal() || p.statuses[next] == StatusRunning {
			continue
		}
		p.statuses[next] = StatusSkipped
		skipped = append(skipped, next)
		queue = append(queue, p.dependents[next]...)
	}
	sort.Ints(skipped)
	return skipped
}

// Status 返回组的当前状态。
func (p *Plan) Status(idx int) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[idx]
}

// Statuses 返回所有组状态的快照。
func (p *Plan) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]Status, len(p.statuses))
	copy(snapshot, p.statuses)
	return snapshot
}

// Remaining 返回尚未到达终态的组数量。
func (p *Plan) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := 0
	for _, status := range p.statuses {
		if !status.Terminal() {
			remaining++
		}
	}
	return remaining
}

// Finished 判断所有组是否都已到达终态。
func (p *Plan) Finished() bool {
	return p.Remaining() == 0
}
