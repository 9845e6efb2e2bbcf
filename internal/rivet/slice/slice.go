// Package slice narrows an API description to the operations a requirement
// asks for.
package slice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/rivet/internal/llm"
	"github.com/danshapiro/rivet/internal/rivet/prompts"
)

// FullSDK requests the whole spec, same as an empty requirement.
const FullSDK = "full_sdk"

var httpMethods = []string{"get", "post", "put", "delete", "patch"}

const selectionSchema = `{"type": "array", "items": {"type": "string", "minLength": 1}}`

var selection = mustCompile(selectionSchema)

func mustCompile(schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("selection.json", strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile("selection.json")
}

type Slicer struct {
	Completer llm.Completer
	Logger    *slog.Logger
}

// Slice returns the sub-spec needed for requirement. Blank or FullSDK
// requirements return spec unchanged, as does a completion response that is
// not a JSON list of strings.
func (s *Slicer) Slice(ctx context.Context, spec map[string]any, requirement string) (map[string]any, error) {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" || requirement == FullSDK {
		return spec, nil
	}
	if s.Completer == nil {
		return nil, fmt.Errorf("slice: no completer configured")
	}
	p, err := prompts.Slice{Requirement: requirement, Menu: Menu(spec)}.Render()
	if err != nil {
		return nil, err
	}
	resp, err := s.Completer.Complete(ctx, p.System, p.User)
	if err != nil {
		return nil, fmt.Errorf("slice: %w", err)
	}
	targets, err := ParseSelection(resp)
	if err != nil {
		s.logger().Warn("slicing failed, using full spec", "error", err.Error())
		return spec, nil
	}
	paths := MatchPaths(spec, targets)
	s.logger().Info("spec sliced", "requested", len(targets), "matched", len(paths))
	return Resolve(spec, paths), nil
}

func (s *Slicer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Menu lists every operation as "METHOD /path : summary", sorted by path.
func Menu(spec map[string]any) []string {
	paths, _ := spec["paths"].(map[string]any)
	var lines []string
	for _, path := range sortedKeys(paths) {
		item, _ := paths[path].(map[string]any)
		for _, method := range httpMethods {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}
			summary, _ := op["summary"].(string)
			if summary == "" {
				summary, _ = op["description"].(string)
			}
			summary = strings.ReplaceAll(summary, "\n", " ")
			if r := []rune(summary); len(r) > 80 {
				summary = string(r[:80])
			}
			lines = append(lines, fmt.Sprintf("%s %s : %s", strings.ToUpper(method), path, summary))
		}
	}
	return lines
}

// ParseSelection decodes a completion response into path entries.
func ParseSelection(resp string) ([]string, error) {
	clean := strings.TrimSpace(strings.ReplaceAll(prompts.StripCodeFence(resp), "```", ""))
	var v any
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return nil, fmt.Errorf("selection is not JSON: %w", err)
	}
	if err := selection.Validate(v); err != nil {
		return nil, fmt.Errorf("selection is not a list of paths: %w", err)
	}
	items := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, strings.TrimSpace(it.(string)))
	}
	return out, nil
}

// MatchPaths returns the spec paths named by targets, sorted. A target is an
// exact path or a doublestar glob; braces match literally.
func MatchPaths(spec map[string]any, targets []string) []string {
	paths, _ := spec["paths"].(map[string]any)
	seen := map[string]bool{}
	for _, target := range targets {
		if _, ok := paths[target]; ok {
			seen[target] = true
			continue
		}
		if !strings.ContainsAny(target, "*?[") {
			continue
		}
		pattern := strings.NewReplacer("{", `\{`, "}", `\}`).Replace(target)
		if !doublestar.ValidatePattern(pattern) {
			continue
		}
		for path := range paths {
			if ok, _ := doublestar.Match(pattern, path); ok {
				seen[path] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
