// Package taskfile encodes and decodes the on-disk task file format:
// YAML frontmatter between --- fences followed by a freeform markdown body.
package taskfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentfabric/aof/pkg/types"
)

const fence = "---"

// Marshal renders a task into frontmatter + body form.
func Marshal(task *types.Task) ([]byte, error) {
	fm, err := yaml.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter for %s: %w", task.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	buf.Write(fm)
	buf.WriteString(fence + "\n")
	body := task.Body
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal parses frontmatter + body form into a task. The file must open
// with a --- fence on the first line and carry a closing fence.
func Unmarshal(data []byte) (*types.Task, error) {
	text := string(data)
	if !strings.HasPrefix(text, fence+"\n") && text != fence {
		return nil, fmt.Errorf("missing frontmatter fence")
	}
	rest := strings.TrimPrefix(text, fence+"\n")
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return nil, fmt.Errorf("unterminated frontmatter fence")
	}
	fm := rest[:idx+1]
	body := rest[idx+1+len(fence):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	var task types.Task
	if err := yaml.Unmarshal([]byte(fm), &task); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	task.Body = body
	return &task, nil
}

// Section returns the markdown body under the given "## Heading", up to the
// next level-two heading. Missing sections return "".
func Section(body, heading string) string {
	marker := "## " + heading
	lines := strings.Split(body, "\n")
	var out []string
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if in {
				break
			}
			in = strings.EqualFold(trimmed, marker)
			continue
		}
		if in {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// AppendSection appends an entry under "## Heading", creating the section at
// the end of the body when absent.
func AppendSection(body, heading, entry string) string {
	marker := "## " + heading
	if !strings.Contains(body, marker) {
		trimmed := strings.TrimRight(body, "\n")
		if trimmed == "" {
			return marker + "\n\n" + entry + "\n"
		}
		return trimmed + "\n\n" + marker + "\n\n" + entry + "\n"
	}

	lines := strings.Split(body, "\n")
	// Find the end of the target section: either the next ## heading or EOF.
	start := -1
	end := len(lines)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if start >= 0 {
				end = i
				break
			}
			if strings.EqualFold(trimmed, marker) {
				start = i
			}
		}
	}
	if start < 0 {
		return strings.TrimRight(body, "\n") + "\n\n" + marker + "\n\n" + entry + "\n"
	}
	head := strings.TrimRight(strings.Join(lines[:end], "\n"), "\n")
	tail := strings.Join(lines[end:], "\n")
	out := head + "\n\n" + entry + "\n"
	if strings.TrimSpace(tail) != "" {
		out += "\n" + tail
	}
	return out
}

// ContentHash hashes the normalized Instructions and Guidance sections and
// truncates to 16 hex characters. Cosmetic edits elsewhere in the body do
// not change the hash.
func ContentHash(body string) string {
	instructions := normalize(Section(body, "Instructions"))
	guidance := normalize(Section(body, "Guidance"))
	sum := sha256.Sum256([]byte(instructions + "\n" + guidance))
	return hex.EncodeToString(sum[:])[:16]
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
