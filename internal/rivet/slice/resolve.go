package slice

import "strings"

// Resolve builds a self-contained spec holding the given paths plus every
// local $ref they reach, transitively. Security schemes are always kept.
func Resolve(full map[string]any, paths []string) map[string]any {
	mini := skeleton(full)
	srcPaths, _ := full["paths"].(map[string]any)
	outPaths := mini["paths"].(map[string]any)

	var queue []string
	for _, p := range paths {
		item, ok := srcPaths[p]
		if !ok {
			continue
		}
		item = deepCopy(item)
		outPaths[p] = item
		queue = collectRefs(item, queue)
	}

	done := map[string]bool{}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if done[ref] || !strings.HasPrefix(ref, "#/") {
			continue
		}
		done[ref] = true
		parts := pointerParts(ref)
		if len(parts) < 2 {
			continue
		}
		target, ok := lookup(full, parts)
		if !ok {
			continue
		}
		target = deepCopy(target)
		place(mini, parts, target)
		queue = collectRefs(target, queue)
	}
	return mini
}

func skeleton(full map[string]any) map[string]any {
	mini := map[string]any{"paths": map[string]any{}}
	if v, ok := full["swagger"]; ok {
		mini["swagger"] = v
		for _, k := range []string{"info", "host", "basePath", "schemes", "consumes", "produces", "securityDefinitions", "security"} {
			if v, ok := full[k]; ok {
				mini[k] = deepCopy(v)
			}
		}
		return mini
	}
	mini["openapi"] = "3.0.0"
	if v, ok := full["openapi"]; ok {
		mini["openapi"] = v
	}
	mini["info"] = map[string]any{}
	mini["servers"] = []any{}
	for _, k := range []string{"info", "servers", "security"} {
		if v, ok := full[k]; ok {
			mini[k] = deepCopy(v)
		}
	}
	components := map[string]any{
		"schemas":         map[string]any{},
		"securitySchemes": map[string]any{},
		"parameters":      map[string]any{},
	}
	if src, ok := full["components"].(map[string]any); ok {
		if ss, ok := src["securitySchemes"]; ok {
			components["securitySchemes"] = deepCopy(ss)
		}
	}
	mini["components"] = components
	return mini
}

func collectRefs(v any, refs []string) []string {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && k == "$ref" {
				refs = append(refs, s)
				continue
			}
			refs = collectRefs(val, refs)
		}
	case []any:
		for _, it := range t {
			refs = collectRefs(it, refs)
		}
	}
	return refs
}

// pointerParts splits a local JSON pointer ("#/components/schemas/Pet").
func pointerParts(ref string) []string {
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

func lookup(doc map[string]any, parts []string) (any, bool) {
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func place(doc map[string]any, parts []string, v any) {
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = deepCopy(it)
		}
		return out
	default:
		return v
	}
}

// PathCount reports how many paths spec defines.
func PathCount(spec map[string]any) int {
	paths, _ := spec["paths"].(map[string]any)
	return len(paths)
}
