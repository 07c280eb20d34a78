package cmd

import "github.com/fileflow/fileflow/internal/task"

// taskPriority clamps a CLI-supplied integer priority into task.Priority,
// matching the spec's 0 (high) .. 9 (low) range.
func taskPriority(p int) task.Priority {
	if p < 0 {
		p = 0
	}
	if p > 9 {
		p = 9
	}
	return task.Priority(p)
}
