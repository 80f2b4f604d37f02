package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentfabric/aof/pkg/taskfile"
	"github.com/agentfabric/aof/pkg/types"
)

// LintIssue is one invariant violation found by Lint.
type LintIssue struct {
	TaskID  string `json:"taskId,omitempty"`
	File    string `json:"file"`
	Problem string `json:"problem"`
}

// Lint scans the task tree for invariant violations: frontmatter/status
// drift, unparseable files, duplicate ids, leases in non-lease statuses,
// dangling dependencies, and orphaned companion directories.
func (s *Store) Lint() ([]LintIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var issues []LintIssue
	seen := make(map[string]types.Status)
	ids := make(map[string]bool)

	for _, status := range types.AllStatuses {
		dir := s.statusDir(status)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				issues = append(issues, LintIssue{File: dir, Problem: "status directory missing"})
			}
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				// Companion dirs must shadow a task file in the same dir.
				if !fileExists(filepath.Join(dir, entry.Name()+".md")) {
					issues = append(issues, LintIssue{TaskID: entry.Name(), File: path, Problem: "orphaned companion directory"})
				}
				continue
			}
			if !strings.HasSuffix(entry.Name(), ".md") {
				issues = append(issues, LintIssue{File: path, Problem: "unexpected file in status directory"})
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".md")
			data, err := os.ReadFile(path)
			if err != nil {
				issues = append(issues, LintIssue{TaskID: id, File: path, Problem: "unreadable: " + err.Error()})
				continue
			}
			task, err := taskfile.Unmarshal(data)
			if err != nil {
				issues = append(issues, LintIssue{TaskID: id, File: path, Problem: "unparseable: " + err.Error()})
				continue
			}

			if prev, dup := seen[id]; dup {
				issues = append(issues, LintIssue{TaskID: id, File: path,
					Problem: fmt.Sprintf("duplicate task file (also in %s)", prev)})
			}
			seen[id] = status
			ids[id] = true

			if task.Status != "" && task.Status != status {
				issues = append(issues, LintIssue{TaskID: id, File: path,
					Problem: fmt.Sprintf("frontmatter status %q disagrees with directory %q", task.Status, status)})
			}
			if task.ID != "" && task.ID != id {
				issues = append(issues, LintIssue{TaskID: id, File: path,
					Problem: fmt.Sprintf("frontmatter id %q disagrees with filename", task.ID)})
			}
			// A lease survives into review so completion replays can still
			// authorize against it, and into blocked while dependencies
			// resolve. Everywhere else it must be gone.
			if task.Lease != nil && status != types.StatusInProgress &&
				status != types.StatusBlocked && status != types.StatusReview {
				issues = append(issues, LintIssue{TaskID: id, File: path,
					Problem: fmt.Sprintf("lease present in %s", status)})
			}
			if s.projectID != "" && task.Project != "" && task.Project != s.projectID {
				issues = append(issues, LintIssue{TaskID: id, File: path,
					Problem: fmt.Sprintf("task belongs to project %q, store owns %q", task.Project, s.projectID)})
			}
		}
	}

	// Dangling dependencies need the full id set first.
	for _, status := range types.AllStatuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".md")
			task, err := s.load(id)
			if err != nil {
				continue
			}
			for _, dep := range task.DependsOn {
				if !ids[dep] {
					issues = append(issues, LintIssue{TaskID: id, File: s.taskPath(status, id),
						Problem: fmt.Sprintf("depends on missing task %s", dep)})
				}
			}
		}
	}

	return issues, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
