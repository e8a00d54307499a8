package buildtree

import "fmt"

// WorkItem is one interruptible unit of deferred tree-building work.
type WorkItem struct {
	priority int
	action   func()

	seq uint64 // registration order; breaks priority ties
}

// NewWorkItem panics if priority is negative or action is nil; both are
// caller bugs, not runtime conditions.
func NewWorkItem(priority int, action func()) *WorkItem {
	if priority < 0 {
		panic(fmt.Sprintf("buildtree: negative work priority %d", priority))
	}
	if action == nil {
		panic("buildtree: nil work action")
	}
	return &WorkItem{priority: priority, action: action}
}

func (w *WorkItem) Priority() int { return w.priority }

// Invoke runs the action. Panics are not recovered.
func (w *WorkItem) Invoke() { w.action() }
