// Package validate performs static checks on generated Python source
// without executing it.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/danshapiro/rivet/internal/rivet/fault"
)

// Result of a static check. Fault is set iff Valid is false.
type Result struct {
	Valid    bool
	Message  string
	Fault    *fault.Record
	Warnings []string
}

// knownNames are modules and symbols a generated client commonly uses.
// Using one of them without binding it is reported as a missing import.
var knownNames = map[string]bool{
	"httpx": true, "requests": true, "pydantic": true, "json": true, "asyncio": true,
	"datetime": true, "enum": true, "typing": true, "os": true, "logging": true,
	"re": true, "uuid": true, "base64": true, "urllib": true,
	"BaseModel": true, "Field": true, "ConfigDict": true, "field_validator": true,
	"model_validator": true, "validator": true, "HttpUrl": true, "EmailStr": true,
	"Optional": true, "List": true, "Dict": true, "Any": true, "Union": true,
	"Literal": true, "Tuple": true, "Type": true, "TypeVar": true, "Generic": true,
	"Callable": true, "Iterator": true, "AsyncIterator": true, "Mapping": true,
	"Sequence": true, "Enum": true, "dataclass": true,
}

const maxDepth = 2000

// Python checks that src parses and that well-known names are imported.
func Python(ctx context.Context, src string) *Result {
	if strings.TrimSpace(src) == "" {
		msg := "No SDK code to validate"
		return &Result{
			Message: msg,
			Fault:   fault.NewAt(fault.ArtifactSyntax, "SyntaxError", msg, fault.ArtifactFile, 0),
		}
	}
	content := []byte(src)

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		msg := fmt.Sprintf("parse failed: %v", err)
		return &Result{
			Message: msg,
			Fault:   fault.NewAt(fault.ArtifactSyntax, "SyntaxError", msg, fault.ArtifactFile, 0),
		}
	}
	defer tree.Close()
	root := tree.RootNode()

	if line, detail, ok := firstSyntaxError(root, content, 0); ok {
		return &Result{
			Message: fmt.Sprintf("SyntaxError: %s at line %d", detail, line),
			Fault:   fault.NewAt(fault.ArtifactSyntax, "SyntaxError", detail, fault.ArtifactFile, line),
		}
	}

	if line, detail, ok := firstCompileError(root); ok {
		return &Result{
			Message: fmt.Sprintf("SyntaxError: %s at line %d", detail, line),
			Fault:   fault.NewAt(fault.ArtifactSyntax, "SyntaxError", detail, fault.ArtifactFile, line),
		}
	}

	sc := newScope(content)
	sc.walk(root, 0)

	res := &Result{Valid: true, Message: "syntax is valid"}
	if !sc.bound["httpx"] {
		res.Warnings = append(res.Warnings, "'httpx' library not imported")
	}
	if !sc.sawClass {
		res.Warnings = append(res.Warnings, "no class definitions found")
	}

	if sc.wildcard {
		return res
	}
	if name, line, ok := sc.firstMissing(); ok {
		detail := fmt.Sprintf("name '%s' is used but never imported", name)
		return &Result{
			Message:  fmt.Sprintf("ImportError: %s (line %d)", detail, line),
			Fault:    fault.NewAt(fault.ArtifactImport, "ImportError", detail, fault.ArtifactFile, line),
			Warnings: res.Warnings,
		}
	}
	return res
}

func firstSyntaxError(n *sitter.Node, content []byte, depth int) (int, string, bool) {
	if n == nil || depth > maxDepth {
		return 0, "", false
	}
	if n.IsError() || n.IsMissing() {
		line := int(n.StartPoint().Row) + 1
		if n.IsMissing() {
			return line, fmt.Sprintf("missing %q", n.Type()), true
		}
		text := strings.TrimSpace(n.Content(content))
		if len(text) > 50 {
			text = text[:50] + "..."
		}
		if text == "" {
			return line, "invalid syntax", true
		}
		return line, fmt.Sprintf("invalid syntax near %q", text), true
	}
	if !n.HasError() {
		return 0, "", false
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if line, detail, ok := firstSyntaxError(n.Child(i), content, depth+1); ok {
			return line, detail, true
		}
	}
	return 0, "", false
}

// firstCompileError reports source that parses but that the Python compiler
// still rejects: misplaced __future__ imports and return, break or continue
// outside the construct that allows them.
func firstCompileError(root *sitter.Node) (int, string, bool) {
	if line, ok := misplacedFuture(root); ok {
		return line, "from __future__ imports must occur at the beginning of the file", true
	}
	return misplacedJump(root, false, false, 0)
}

func misplacedFuture(root *sitter.Node) (int, bool) {
	header, first := true, firstStatement(root)
	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		switch {
		case c.Type() == "comment":
			continue
		case c.Type() == "future_import_statement":
			if !header {
				return int(c.StartPoint().Row) + 1, true
			}
			continue
		case i == first && isDocstring(c):
			continue
		}
		header = false
	}
	return 0, false
}

func firstStatement(root *sitter.Node) int {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		if root.NamedChild(i).Type() != "comment" {
			return i
		}
	}
	return -1
}

func isDocstring(n *sitter.Node) bool {
	if n.Type() != "expression_statement" || n.NamedChildCount() != 1 {
		return false
	}
	switch n.NamedChild(0).Type() {
	case "string", "concatenated_string":
		return true
	}
	return false
}

func misplacedJump(n *sitter.Node, inFunc, inLoop bool, depth int) (int, string, bool) {
	if n == nil || depth > maxDepth {
		return 0, "", false
	}
	line := int(n.StartPoint().Row) + 1
	switch n.Type() {
	case "return_statement":
		if !inFunc {
			return line, "'return' outside function", true
		}
	case "break_statement":
		if !inLoop {
			return line, "'break' outside loop", true
		}
	case "continue_statement":
		if !inLoop {
			return line, "'continue' not properly in loop", true
		}
	case "function_definition":
		return misplacedJump(n.ChildByFieldName("body"), true, false, depth+1)
	case "class_definition":
		return misplacedJump(n.ChildByFieldName("body"), false, false, depth+1)
	case "for_statement", "while_statement":
		body := n.ChildByFieldName("body")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if l, d, ok := misplacedJump(c, inFunc, inLoop || sameNode(c, body), depth+1); ok {
				return l, d, true
			}
		}
		return 0, "", false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if l, d, ok := misplacedJump(n.NamedChild(i), inFunc, inLoop, depth+1); ok {
			return l, d, true
		}
	}
	return 0, "", false
}

// scope collects bindings and references for the whole module. A name bound
// anywhere counts as bound everywhere.
type scope struct {
	content  []byte
	bound    map[string]bool
	used     map[string]int
	wildcard bool
	sawClass bool
}

func newScope(content []byte) *scope {
	return &scope{content: content, bound: map[string]bool{}, used: map[string]int{}}
}

func (s *scope) text(n *sitter.Node) string { return n.Content(s.content) }

func (s *scope) bind(n *sitter.Node) {
	if n == nil {
		return
	}
	switch n.Type() {
	case "identifier":
		s.bound[s.text(n)] = true
		return
	case "attribute", "subscript":
		// x.y = ... and x[i] = ... do not bind x.
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		s.bind(n.NamedChild(i))
	}
}

func (s *scope) use(n *sitter.Node) {
	name := s.text(n)
	if _, seen := s.used[name]; !seen {
		s.used[name] = int(n.StartPoint().Row) + 1
	}
}

func (s *scope) walk(n *sitter.Node, depth int) {
	if n == nil || depth > maxDepth {
		return
	}
	switch n.Type() {
	case "import_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "aliased_import":
				s.bind(c.ChildByFieldName("alias"))
			case "dotted_name":
				// import os.path binds os.
				if c.NamedChildCount() > 0 {
					s.bind(c.NamedChild(0))
				}
			}
		}
		return
	case "import_from_statement", "future_import_statement":
		module := n.ChildByFieldName("module_name")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if module != nil && sameNode(c, module) {
				continue
			}
			switch c.Type() {
			case "aliased_import":
				s.bind(c.ChildByFieldName("alias"))
			case "dotted_name":
				s.bound[s.text(c)] = true
			case "wildcard_import":
				s.wildcard = true
			}
		}
		return
	case "function_definition":
		s.bind(n.ChildByFieldName("name"))
		s.walkParameters(n.ChildByFieldName("parameters"), depth)
		s.walk(n.ChildByFieldName("return_type"), depth+1)
		s.walk(n.ChildByFieldName("body"), depth+1)
		return
	case "lambda":
		s.walkParameters(n.ChildByFieldName("parameters"), depth)
		s.walk(n.ChildByFieldName("body"), depth+1)
		return
	case "class_definition":
		s.sawClass = true
		s.bind(n.ChildByFieldName("name"))
		s.walk(n.ChildByFieldName("superclasses"), depth+1)
		s.walk(n.ChildByFieldName("body"), depth+1)
		return
	case "assignment", "augmented_assignment":
		left := n.ChildByFieldName("left")
		s.bind(left)
		s.walkTargetObjects(left, depth)
		s.walk(n.ChildByFieldName("type"), depth+1)
		s.walk(n.ChildByFieldName("right"), depth+1)
		return
	case "for_statement", "for_in_clause":
		left := n.ChildByFieldName("left")
		s.bind(left)
		s.walkExcept(n, left, depth)
		return
	case "named_expression":
		s.bind(n.ChildByFieldName("name"))
		s.walk(n.ChildByFieldName("value"), depth+1)
		return
	case "as_pattern":
		alias := n.ChildByFieldName("alias")
		s.bind(alias)
		s.walkExcept(n, alias, depth)
		return
	case "global_statement", "nonlocal_statement":
		s.bind(n)
		return
	case "attribute":
		s.walk(n.ChildByFieldName("object"), depth+1)
		return
	case "keyword_argument":
		s.walk(n.ChildByFieldName("value"), depth+1)
		return
	case "identifier":
		s.use(n)
		return
	}
	s.walkExcept(n, nil, depth)
}

func (s *scope) walkExcept(n, skip *sitter.Node, depth int) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if skip != nil && sameNode(c, skip) {
			continue
		}
		s.walk(c, depth+1)
	}
}

// walkTargetObjects records references on the left of an assignment such
// as the receiver in httpx.Timeout = ...
func (s *scope) walkTargetObjects(n *sitter.Node, depth int) {
	if n == nil {
		return
	}
	switch n.Type() {
	case "attribute", "subscript":
		s.walk(n, depth+1)
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		s.walkTargetObjects(n.NamedChild(i), depth+1)
	}
}

func (s *scope) walkParameters(params *sitter.Node, depth int) {
	if params == nil {
		return
	}
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case "identifier":
			s.bind(p)
		case "typed_parameter":
			for j := 0; j < int(p.NamedChildCount()); j++ {
				c := p.NamedChild(j)
				switch c.Type() {
				case "identifier", "list_splat_pattern", "dictionary_splat_pattern":
					s.bind(c)
				}
			}
			s.walk(p.ChildByFieldName("type"), depth+1)
		case "default_parameter", "typed_default_parameter":
			s.bind(p.ChildByFieldName("name"))
			s.walk(p.ChildByFieldName("type"), depth+1)
			s.walk(p.ChildByFieldName("value"), depth+1)
		case "list_splat_pattern", "dictionary_splat_pattern":
			s.bind(p)
		}
	}
}

func (s *scope) firstMissing() (string, int, bool) {
	type miss struct {
		name string
		line int
	}
	var missing []miss
	for name, line := range s.used {
		if knownNames[name] && !s.bound[name] {
			missing = append(missing, miss{name, line})
		}
	}
	if len(missing) == 0 {
		return "", 0, false
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].line != missing[j].line {
			return missing[i].line < missing[j].line
		}
		return missing[i].name < missing[j].name
	})
	return missing[0].name, missing[0].line, true
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}
