package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/danshapiro/rivet/internal/rivet/fault"
)

const goodClient = `import json
from typing import Any, Dict, Optional

import httpx
from pydantic import BaseModel, Field


class Pet(BaseModel):
    id: int
    name: str = Field(..., description="name")


class Client:
    def __init__(self, base_url: str, api_key: Optional[str] = None) -> None:
        self._http = httpx.Client(base_url=base_url)
        self.api_key = api_key

    def get_pet(self, pet_id: int) -> Pet:
        resp = self._http.get(f"/pets/{pet_id}")
        resp.raise_for_status()
        return Pet(**resp.json())

    def dump(self, data: Dict[str, Any]) -> str:
        return json.dumps(data)
`

func TestPython_ValidClient(t *testing.T) {
	res := Python(context.Background(), goodClient)
	if !res.Valid {
		t.Fatalf("expected valid, got %q (%+v)", res.Message, res.Fault)
	}
	if res.Fault != nil {
		t.Fatalf("valid result carries a fault: %+v", res.Fault)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestPython_Empty(t *testing.T) {
	res := Python(context.Background(), "  \n")
	if res.Valid || res.Fault == nil {
		t.Fatalf("expected invalid: %+v", res)
	}
	if res.Fault.Category != fault.ArtifactSyntax {
		t.Fatalf("category: %s", res.Fault.Category)
	}
}

func TestPython_SyntaxError(t *testing.T) {
	src := "import httpx\n\n\ndef broken(:\n    return 1\n"
	res := Python(context.Background(), src)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	f := res.Fault
	if f.Category != fault.ArtifactSyntax || f.Severity != fault.SeverityCritical || f.Route != fault.RouteArtifact {
		t.Fatalf("fault: %+v", f)
	}
	if f.Line < 1 {
		t.Fatalf("line: %d", f.Line)
	}
	if !strings.HasPrefix(res.Message, "SyntaxError:") {
		t.Fatalf("message: %q", res.Message)
	}
}

func TestPython_CompileTimeErrors(t *testing.T) {
	cases := []struct {
		name   string
		src    string
		line   int
		detail string
	}{
		{"future after import", "import httpx\nfrom __future__ import annotations\n", 2, "__future__"},
		{"future after code", "\"\"\"Client.\"\"\"\nBASE = 1\nfrom __future__ import annotations\n", 3, "__future__"},
		{"return at module level", "import httpx\nreturn httpx\n", 2, "'return' outside function"},
		{"return in class body", "class Client:\n    return None\n", 2, "'return' outside function"},
		{"break outside loop", "def f():\n    break\n", 2, "'break' outside loop"},
		{"continue in loop else", "for i in range(3):\n    pass\nelse:\n    continue\n", 4, "'continue' not properly in loop"},
		{"break in nested function", "for i in range(3):\n    def f():\n        break\n", 3, "'break' outside loop"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Python(context.Background(), tc.src)
			if res.Valid || res.Fault == nil {
				t.Fatalf("expected invalid: %+v", res)
			}
			if res.Fault.Category != fault.ArtifactSyntax || res.Fault.Line != tc.line {
				t.Fatalf("fault: %s line %d", res.Fault.Category, res.Fault.Line)
			}
			if !strings.Contains(res.Message, tc.detail) {
				t.Fatalf("message: %q", res.Message)
			}
		})
	}
}

func TestPython_CompileTimeAccepted(t *testing.T) {
	cases := map[string]string{
		"future after docstring": "\"\"\"Client.\"\"\"\n# header\nfrom __future__ import annotations\n\nimport httpx\n",
		"return in method":       "class Client:\n    def get(self):\n        return 1\n",
		"break in while":         "while True:\n    if 1:\n        break\n",
		"continue in for":        "def f():\n    for i in range(3):\n        continue\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if res := Python(context.Background(), src); !res.Valid {
				t.Fatalf("expected valid, got %q", res.Message)
			}
		})
	}
}

func TestPython_MissingImport(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "module",
			src:  "class Client:\n    def __init__(self):\n        self.http = httpx.Client()\n",
			want: "httpx",
		},
		{
			name: "symbol",
			src:  "import httpx\nfrom pydantic import BaseModel\n\n\nclass Pet(BaseModel):\n    name: str = Field(default=\"x\")\n",
			want: "Field",
		},
		{
			name: "typing",
			src:  "import httpx\n\n\nclass Client:\n    def get(self, q: Optional[str] = None):\n        return q\n",
			want: "Optional",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Python(context.Background(), tc.src)
			if res.Valid {
				t.Fatal("expected invalid")
			}
			f := res.Fault
			if f.Category != fault.ArtifactImport || f.Severity != fault.SeverityCritical {
				t.Fatalf("fault: %+v", f)
			}
			if !strings.Contains(f.Message, "'"+tc.want+"'") {
				t.Fatalf("message %q does not name %q", f.Message, tc.want)
			}
		})
	}
}

func TestPython_LocalBindingsAreNotImports(t *testing.T) {
	src := `import httpx


class Client:
    def post(self, path, json=None):
        return self._send(path, json=json)

    def fields(self):
        Field = "local"
        return [Field for Optional in range(3)]
`
	res := Python(context.Background(), src)
	if !res.Valid {
		t.Fatalf("expected valid, got %q", res.Message)
	}
}

func TestPython_AttributeNamesAreNotReferences(t *testing.T) {
	src := "import httpx\n\n\nclass Client:\n    def get(self, r):\n        return r.json()\n"
	res := Python(context.Background(), src)
	if !res.Valid {
		t.Fatalf("expected valid, got %q", res.Message)
	}
}

func TestPython_WildcardImportSkipsNameCheck(t *testing.T) {
	src := "from typing import *\nimport httpx\n\n\nclass C:\n    x: Optional[int] = None\n"
	res := Python(context.Background(), src)
	if !res.Valid {
		t.Fatalf("expected valid, got %q", res.Message)
	}
}

func TestPython_Warnings(t *testing.T) {
	res := Python(context.Background(), "def ping():\n    return 1\n")
	if !res.Valid {
		t.Fatalf("expected valid: %q", res.Message)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
}
