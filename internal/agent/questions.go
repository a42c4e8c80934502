package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Question is one entry of an AskUserQuestion tool input.
type Question struct {
	Question string
	Options  []string
}

// Questions extracts the questions of an AskUserQuestion input. Inputs
// carrying a single "question" string are accepted too.
func Questions(input map[string]any) []Question {
	var out []Question
	if raw, ok := input["questions"].([]any); ok {
		for _, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			q := Question{Question: stringField(obj, "question")}
			if opts, ok := obj["options"].([]any); ok {
				for _, o := range opts {
					switch v := o.(type) {
					case string:
						q.Options = append(q.Options, v)
					case map[string]any:
						if label := stringField(v, "label"); label != "" {
							q.Options = append(q.Options, label)
						}
					}
				}
			}
			if q.Question != "" {
				out = append(out, q)
			}
		}
	}
	if len(out) == 0 {
		if q := stringField(input, "question"); q != "" {
			out = append(out, Question{Question: q})
		}
	}
	return out
}

// DescribeToolInput renders a short human summary of a tool call.
func DescribeToolInput(tool string, input map[string]any) string {
	for _, key := range []string{"command", "file_path", "path", "url", "pattern", "query", "description"} {
		if v := stringField(input, key); v != "" {
			return fmt.Sprintf("%s: %s", tool, truncate(v, 200))
		}
	}
	if len(input) == 0 {
		return tool
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s (%s)", tool, strings.Join(keys, ", "))
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
