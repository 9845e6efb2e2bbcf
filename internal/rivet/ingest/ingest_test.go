package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const petstoreJSON = `{
  "openapi": "3.0.0",
  "info": {"title": "Petstore", "version": "1.0.0"},
  "paths": {
    "/pets": {"get": {"summary": "List pets", "responses": {"200": {"description": "ok"}}}}
  }
}`

const petstoreYAML = `openapi: 3.0.0
info:
  title: Petstore
  version: 1.0.0
paths:
  /pets:
    get:
      summary: List pets
      responses:
        200:
          description: ok
`

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"json openapi", petstoreJSON, false},
		{"yaml openapi", petstoreYAML, false},
		{"swagger 2", `{"swagger": "2.0", "paths": {}}`, false},
		{"json without marker", `{"info": {}}`, true},
		{"yaml list", "- a\n- b\n", true},
		{"garbage", "{not: [valid", true},
		{"json null", "null", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := Decode([]byte(tc.body))
			if tc.wantErr {
				if !errors.Is(err, ErrNotAPISpec) {
					t.Fatalf("got %v want ErrNotAPISpec", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if spec == nil {
				t.Fatal("nil spec")
			}
		})
	}
}

func TestDecode_YAMLIntegerKeysBecomeStrings(t *testing.T) {
	spec, err := Decode([]byte(petstoreYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	paths := spec["paths"].(map[string]any)
	get := paths["/pets"].(map[string]any)["get"].(map[string]any)
	responses, ok := get["responses"].(map[string]any)
	if !ok {
		t.Fatalf("responses: %T", get["responses"])
	}
	if _, ok := responses["200"]; !ok {
		t.Fatalf("responses keys: %v", responses)
	}
}

func TestClient_IngestHTTPWithDocs(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"openapi":"3.0.0","info":{"title":"t","version":"1"},"paths":{},"externalDocs":{"url":"` + srv.URL + `/docs"}}`))
	})
	mux.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><style>body{}</style></head><body><nav>Home</nav><h1>Pets API</h1><p>  Use a key.  </p><footer>(c)</footer></body></html>`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := New(nil)
	spec, docs, err := c.Ingest(context.Background(), srv.URL+"/openapi.json")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if spec["openapi"] != "3.0.0" {
		t.Fatalf("spec: %v", spec)
	}
	if docs != "Pets API\nUse a key." {
		t.Fatalf("docs: %q", docs)
	}
}

func TestClient_IngestDocsFailureIsIgnored(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/spec", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"swagger":"2.0","externalDocs":{"url":"` + srv.URL + `/missing"}}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	_, docs, err := New(nil).Ingest(context.Background(), srv.URL+"/spec")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if docs != "" {
		t.Fatalf("docs: %q", docs)
	}
}

func TestClient_IngestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/404":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte(`{"hello":"world"}`))
		}
	}))
	defer srv.Close()

	c := New(nil)
	_, _, err := c.Ingest(context.Background(), srv.URL+"/404")
	var ie *Error
	if !errors.As(err, &ie) || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("404: got %v", err)
	}

	_, _, err = c.Ingest(context.Background(), srv.URL+"/plain")
	if !errors.As(err, &ie) || !errors.Is(err, ErrNotAPISpec) {
		t.Fatalf("not a spec: got %v", err)
	}

	_, _, err = c.Ingest(context.Background(), "ftp://example.com/spec.json")
	if !errors.As(err, &ie) {
		t.Fatalf("ftp: got %v", err)
	}
}

func TestClient_IngestLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(petstoreYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, loc := range []string{path, "file://" + path} {
		spec, docs, err := New(nil).Ingest(context.Background(), loc)
		if err != nil {
			t.Fatalf("%s: %v", loc, err)
		}
		if spec["openapi"] == nil || docs != "" {
			t.Fatalf("%s: spec=%v docs=%q", loc, spec, docs)
		}
	}
}

func TestLint(t *testing.T) {
	spec, err := Decode([]byte(petstoreJSON))
	if err != nil {
		t.Fatal(err)
	}
	if w := Lint(context.Background(), spec); len(w) != 0 {
		t.Fatalf("valid spec warnings: %v", w)
	}
	bad := map[string]any{"openapi": "3.0.0", "paths": map[string]any{}}
	if w := Lint(context.Background(), bad); len(w) == 0 {
		t.Fatal("expected warnings for spec without info")
	}
	if w := Lint(context.Background(), map[string]any{"swagger": "2.0"}); w != nil {
		t.Fatalf("swagger warnings: %v", w)
	}
}

func TestCheckURL(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"https://petstore3.swagger.io/api/v3/openapi.json", true},
		{"http://api.example.com:8080", true},
		{"https://localhost/spec", false},
		{"https://exa mple.com/x", false},
		{"ftp://example.com/spec", false},
		{"./specs/petstore.yaml", true},
		{"file:///tmp/spec.json", true},
		{"", false},
	}
	for _, tc := range cases {
		if err := CheckURL(tc.in); (err == nil) != tc.ok {
			t.Fatalf("CheckURL(%q): err=%v want ok=%v", tc.in, err, tc.ok)
		}
	}
}

func TestExtractText_Truncates(t *testing.T) {
	body := "<p>" + strings.Repeat("é", MaxDocsChars+10) + "</p>"
	got, err := ExtractText(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(got)); n != MaxDocsChars {
		t.Fatalf("got %d runes want %d", n, MaxDocsChars)
	}
}
