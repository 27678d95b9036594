package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// Language identifies a supported source language.
type Language string

// Built-in languages.
const (
	Python Language = "python"
	NodeJS Language = "nodejs"
	Go     Language = "go"
	CPP    Language = "cpp"
)

// Harness selects how a test case input reaches the submitted program.
type Harness string

const (
	// HarnessStdin pipes the raw input to the program's standard input.
	HarnessStdin Harness = "stdin"
	// HarnessFunction appends a wrapper that decodes stdin as JSON, falling back to the raw
	// text, and calls solution(...) with it.
	HarnessFunction Harness = "function"
)

// LanguageSpec is the static descriptor of a language.
type LanguageSpec struct {
	Image      string
	SourceFile string
	// CompileCmd runs once per request, inside the run directory. Empty for interpreted languages.
	CompileCmd []string
	RunCmd     []string
	Env        map[string]string
	// FunctionHarness is appended to the submitted code in function harness mode.
	FunctionHarness string
}

// SupportsHarness reports whether the language can run in harness mode h.
func (s LanguageSpec) SupportsHarness(h Harness) bool {
	switch h {
	case "", HarnessStdin:
		return true
	case HarnessFunction:
		return s.FunctionHarness != ""
	default:
		return false
	}
}

const pythonHarness = `

if __name__ == "__main__":
    import json as _judge_json
    import sys as _judge_sys

    _judge_raw = _judge_sys.stdin.read()
    try:
        _judge_args = _judge_json.loads(_judge_raw)
    except ValueError:
        _judge_args = _judge_raw
    if isinstance(_judge_args, list):
        _judge_result = solution(*_judge_args)
    else:
        _judge_result = solution(_judge_args)
    print(str(_judge_result).lower() if isinstance(_judge_result, bool) else _judge_result)
`

const nodeHarness = `

;(() => {
  const raw = require("fs").readFileSync(0, "utf8");
  let args;
  try {
    args = JSON.parse(raw);
  } catch (e) {
    args = raw;
  }
  const result = Array.isArray(args) ? solution(...args) : solution(args);
  if (result !== null && typeof result === "object") {
    console.log(JSON.stringify(result));
  } else {
    console.log(String(result));
  }
})();
`

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() LanguageTable {
	return LanguageTable{
		Python: {
			Image:           "python:3.11-slim",
			SourceFile:      "main.py",
			RunCmd:          []string{"python3", "main.py"},
			Env:             map[string]string{"PYTHONDONTWRITEBYTECODE": "1", "PYTHONUNBUFFERED": "1"},
			FunctionHarness: pythonHarness,
		},
		NodeJS: {
			Image:           "node:20-alpine",
			SourceFile:      "index.js",
			RunCmd:          []string{"node", "index.js"},
			Env:             map[string]string{"NODE_OPTIONS": "--max-old-space-size=128"},
			FunctionHarness: nodeHarness,
		},
		Go: {
			Image:      "golang:1.23-alpine",
			SourceFile: "main.go",
			CompileCmd: []string{"go", "build", "-o", "app", "main.go"},
			RunCmd:     []string{"./app"},
			Env:        map[string]string{"HOME": "/tmp", "GOCACHE": "/tmp/gocache", "CGO_ENABLED": "0"},
		},
		CPP: {
			Image:      "gcc:13",
			SourceFile: "main.cpp",
			CompileCmd: []string{"g++", "-std=c++17", "-O2", "-o", "app", "main.cpp"},
			RunCmd:     []string{"./app"},
		},
	}
}

var languageAliases = map[string]Language{
	"py":         Python,
	"python3":    Python,
	"node":       NodeJS,
	"javascript": NodeJS,
	"js":         NodeJS,
	"golang":     Go,
	"c++":        CPP,
}

// LanguageTable maps language identifiers to their descriptors.
type LanguageTable map[Language]LanguageSpec

// Normalize resolves case and common aliases.
func Normalize(lang string) Language {
	l := strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[l]; ok {
		return alias
	}
	return Language(l)
}

// Lookup returns the descriptor for lang.
func (t LanguageTable) Lookup(lang string) (Language, LanguageSpec, error) {
	id := Normalize(lang)
	spec, ok := t[id]
	if !ok {
		return "", LanguageSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return id, spec, nil
}

// Languages returns the supported identifiers in sorted order.
func (t LanguageTable) Languages() []string {
	out := make([]string, 0, len(t))
	for id := range t {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

// Merge returns a copy of t where every non-empty field of overrides replaces the built-in
// value. Unknown identifiers add new languages.
func (t LanguageTable) Merge(overrides map[string]LanguageSpec) (LanguageTable, error) {
	out := make(LanguageTable, len(t)+len(overrides))
	for id, spec := range t {
		out[id] = spec
	}
	for name, o := range overrides {
		id := Normalize(name)
		base := out[id]
		if o.Image != "" {
			base.Image = o.Image
		}
		if o.SourceFile != "" {
			base.SourceFile = o.SourceFile
		}
		if len(o.CompileCmd) > 0 {
			base.CompileCmd = o.CompileCmd
		}
		if len(o.RunCmd) > 0 {
			base.RunCmd = o.RunCmd
		}
		if o.FunctionHarness != "" {
			base.FunctionHarness = o.FunctionHarness
		}
		if len(o.Env) > 0 {
			env := make(map[string]string, len(base.Env)+len(o.Env))
			for k, v := range base.Env {
				env[k] = v
			}
			for k, v := range o.Env {
				env[k] = v
			}
			base.Env = env
		}
		if base.Image == "" || base.SourceFile == "" || len(base.RunCmd) == 0 {
			return nil, fmt.Errorf("language %q needs image, source_file and run_cmd", name)
		}
		out[id] = base
	}
	return out, nil
}
