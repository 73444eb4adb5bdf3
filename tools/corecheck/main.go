// Command corecheck enforces the import boundary of the compiler core.
//
// The core packages (parser, linter, generator, canonicalizer, hasher and
// their helpers) must stay pure: no clocks, randomness, network, databases
// or telemetry, and no dependency on the store or audit collaborators.
//
// Usage:
//
//	go run ./tools/corecheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const module = "github.com/Mindburn-Labs/cap-compiler"

// corePackages are checked, relative to the module root.
var corePackages = []string{
	"pkg/builtins",
	"pkg/canonicalize",
	"pkg/crypto",
	"pkg/diag",
	"pkg/expr",
	"pkg/ir",
	"pkg/lint",
	"pkg/policy",
}

// forbidden import paths. An entry matches the path itself and everything
// below it.
var forbidden = []string{
	"time",
	"math/rand",
	"crypto/rand",
	"net",
	"os",
	"database/sql",
	"log",
	module + "/pkg/artifacts",
	module + "/pkg/audit",
	module + "/pkg/config",
	module + "/pkg/observability",
	module + "/pkg/pipeline",
	module + "/pkg/store",
	module + "/cmd",
	"go.opentelemetry.io",
	"github.com/redis",
	"github.com/lib/pq",
	"modernc.org/sqlite",
	"github.com/aws",
	"cloud.google.com",
	"github.com/fsnotify",
}

// exempt lists forbidden imports a single package may still use.
var exempt = map[string][]string{
	// The parser reads source files at the boundary.
	"pkg/policy": {"os"},
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Rule)
}

func main() {
	root := flag.String("root", ".", "module root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "CORE VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d core violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "core import check passed")
	return 0
}

// check scans the non-test Go files of every core package under root.
func check(root string) ([]Violation, error) {
	fset := token.NewFileSet()
	var out []Violation
	for _, pkg := range corePackages {
		dir := filepath.Join(root, filepath.FromSlash(pkg))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("core package %s: %w", pkg, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && (d.Name() == "testdata" || d.Name() == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				ip := strings.Trim(imp.Path.Value, `"`)
				rule, bad := forbiddenRule(pkg, ip)
				if !bad {
					continue
				}
				pos := fset.Position(imp.Pos())
				rel, _ := filepath.Rel(root, pos.Filename)
				out = append(out, Violation{File: filepath.ToSlash(rel), Line: pos.Line, Import: ip, Rule: rule})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func forbiddenRule(pkg, importPath string) (string, bool) {
	for _, ok := range exempt[pkg] {
		if importPath == ok {
			return "", false
		}
	}
	for _, rule := range forbidden {
		if importPath == rule || strings.HasPrefix(importPath, rule+"/") {
			return rule, true
		}
	}
	return "", false
}
