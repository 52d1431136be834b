package delegation

import (
	"fmt"
	"sort"
	"strings"
)

// Resolution is the scheduling result for the execution phase.
type Resolution struct {
	// Order is every task in dependency order.
	Order []Task
	// RoleOrder is each role's first occurrence in the task order.
	RoleOrder []string
	// TasksByRole groups the ordered tasks per role.
	TasksByRole map[string][]Task
}

// Resolve topologically orders tasks respecting DependsOn, using
// (priority ascending, task id lexicographic) as the deterministic
// tie-break. Kahn's algorithm; a leftover node set means a cycle.
func Resolve(tasks []Task) (*Resolution, error) {
	if len(tasks) == 0 {
		return &Resolution{TasksByRole: map[string][]Task{}}, nil
	}

	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	// adjacency: dependency -> dependents
	adjacency := make(map[string][]string, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.TaskID] = 0
	}
	for _, t := range tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, exists := byID[dep]; !exists {
				continue // unknown deps are reported by Validate
			}
			adjacency[dep] = append(adjacency[dep], t.TaskID)
			inDegree[t.TaskID]++
		}
	}

	less := func(a, b Task) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.TaskID < b.TaskID
	}

	var queue []Task
	for _, t := range tasks {
		if inDegree[t.TaskID] == 0 {
			queue = append(queue, t)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })

	res := &Resolution{TasksByRole: map[string][]Task{}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		res.Order = append(res.Order, current)

		var ready []Task
		for _, depID := range adjacency[current.TaskID] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				ready = append(ready, byID[depID])
			}
		}
		if len(ready) > 0 {
			queue = append(queue, ready...)
			sort.Slice(queue, func(i, j int) bool { return less(queue[i], queue[j]) })
		}
	}

	if len(res.Order) != len(tasks) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("delegation plan has a dependency cycle involving: %s", strings.Join(stuck, ", "))
	}

	seenRole := make(map[string]bool)
	for _, t := range res.Order {
		if !seenRole[t.RoleID] {
			seenRole[t.RoleID] = true
			res.RoleOrder = append(res.RoleOrder, t.RoleID)
		}
		res.TasksByRole[t.RoleID] = append(res.TasksByRole[t.RoleID], t)
	}

	return res, nil
}
