// Package prompts renders the completion prompts used by the pipeline.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Pair is a system and user message for one completion call.
type Pair struct {
	System string
	User   string
}

type GenerateArtifact struct {
	Spec        string
	Docs        string
	Requirement string
}

type GenerateTests struct {
	Spec        string
	Artifact    string
	Requirement string
}

type FixArtifact struct {
	Artifact   string
	Log        string
	Category   string
	Message    string
	Suggestion string
	File       string
	Line       int
}

type FixTests struct {
	Artifact   string
	Tests      string
	Log        string
	Category   string
	Message    string
	Suggestion string
}

type Slice struct {
	Requirement string
	Menu        []string
}

func (d GenerateArtifact) Render() (Pair, error) { return render("generate_artifact", d) }
func (d GenerateTests) Render() (Pair, error)    { return render("generate_tests", d) }
func (d FixArtifact) Render() (Pair, error)      { return render("fix_artifact", d) }
func (d FixTests) Render() (Pair, error)         { return render("fix_tests", d) }
func (d Slice) Render() (Pair, error)            { return render("slice", d) }

func render(name string, data any) (Pair, error) {
	sys, err := execute(name+"_system.tmpl", data)
	if err != nil {
		return Pair{}, err
	}
	usr, err := execute(name+"_user.tmpl", data)
	if err != nil {
		return Pair{}, err
	}
	return Pair{System: sys, User: usr}, nil
}

func execute(file string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, file, data); err != nil {
		return "", fmt.Errorf("render %s: %w", file, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// StripCodeFence returns the body of the first markdown code fence in a
// completion, dropping any language tag and surrounding prose. Text with no
// fence is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := -1
	if strings.HasPrefix(s, fence) {
		start = 0
	} else if i := strings.Index(s, "\n"+fence); i >= 0 {
		start = i + 1
	}
	if start < 0 {
		return s
	}
	body := s[start+len(fence):]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		// Single line: ```x = 1```
		return strings.TrimSpace(strings.TrimSuffix(body, fence))
	}
	body = body[nl+1:]
	end := len(body)
	if strings.HasPrefix(body, fence) {
		end = 0
	} else if i := strings.Index(body, "\n"+fence); i >= 0 {
		end = i
	}
	return strings.TrimSpace(body[:end])
}

const fence = "```"
