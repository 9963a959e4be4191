package contract

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dshills/draftgraph/graph"
)

//go:embed builtin/*.yaml builtin/*.hcl
var builtinFS embed.FS

// Built-in variant names.
const (
	Compose       = "compose"
	SectionResume = "section_resume"
	FormatOnly    = "format_only"
)

// Builtin loads an embedded variant with the default registry.
func Builtin(name string) (*graph.Contract, error) {
	return BuiltinWith(name, nil)
}

// BuiltinWith loads an embedded variant resolving names through reg.
func BuiltinWith(name string, reg *Registry) (*graph.Contract, error) {
	for _, ext := range []string{".yaml", ".hcl"} {
		file := path.Join("builtin", name+ext)
		data, err := builtinFS.ReadFile(file)
		if err != nil {
			continue
		}
		if ext == ".hcl" {
			return LoadHCL(data, file, reg)
		}
		return LoadYAML(bytes.NewReader(data), reg)
	}
	return nil, fmt.Errorf("unknown built-in contract %q (have %s)", name, strings.Join(BuiltinNames(), ", "))
}

// BuiltinNames lists the embedded variants, sorted.
func BuiltinNames() []string {
	entries, _ := fs.ReadDir(builtinFS, "builtin")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// Load reads a contract: a built-in name, or a file path ending in .yaml,
// .yml or .hcl.
func Load(ref string, reg *Registry) (*graph.Contract, error) {
	switch strings.ToLower(path.Ext(ref)) {
	case ".hcl":
		data, err := readFile(ref)
		if err != nil {
			return nil, err
		}
		return LoadHCL(data, ref, reg)
	case ".yaml", ".yml":
		data, err := readFile(ref)
		if err != nil {
			return nil, err
		}
		return LoadYAML(bytes.NewReader(data), reg)
	}
	return BuiltinWith(ref, reg)
}

func readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract: %w", err)
	}
	return data, nil
}
