// Package plugins manages the capability plugin catalog: spec.yaml discovery,
// payload packaging, content hashing for change detection, and the prompt
// rendering that advertises plugins to the planner and code generator.
package plugins

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parameter describes one plugin argument or return value.
type Parameter struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Required    bool     `yaml:"required" json:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Choices     []string `yaml:"choices,omitempty" json:"choices,omitempty"`
	Default     string   `yaml:"default,omitempty" json:"default,omitempty"`
}

// goType maps a spec type name to its Go rendering for prompts.
func (p Parameter) goType() string {
	switch strings.ToLower(p.Type) {
	case "string", "str":
		return "string"
	case "integer", "int":
		return "int"
	case "float", "number":
		return "float64"
	case "boolean", "bool":
		return "bool"
	default:
		return p.Type
	}
}

// Spec is the declarative description of a plugin from its spec.yaml.
type Spec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`

	Examples   []string          `yaml:"examples,omitempty" json:"examples,omitempty"`
	Parameters []Parameter       `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Returns    []Parameter       `yaml:"returns,omitempty" json:"returns,omitempty"`
	Configs    map[string]string `yaml:"configurations,omitempty" json:"configurations,omitempty"`
}

// Metadata records where a plugin lives and its content hash.
type Metadata struct {
	Name    string `yaml:"name" json:"name"`
	Path    string `yaml:"path" json:"path"`
	Hashsum string `yaml:"hashsum,omitempty" json:"hashsum,omitempty"`
}

// Entry is a loaded plugin: its spec plus source metadata. The hashsum is the
// unit of change detection used to skip redundant worker injection.
type Entry struct {
	Name     string   `json:"name"`
	Spec     Spec     `json:"spec"`
	Metadata Metadata `json:"metadata"`
}

// Enabled reports whether the plugin should be offered to the pipeline.
func (e *Entry) Enabled() bool { return e.Spec.Enabled }

// Hashsum returns the content hash over the packaged payload plus the sorted
// configuration.
func (e *Entry) Hashsum() string { return e.Metadata.Hashsum }

const (
	specFileName = "spec.yaml"
	metaFileName = ".metadata.yaml"
)

// LoadFromDir loads a plugin from a directory containing spec.yaml. The
// content hash is computed (and written back to .metadata.yaml) when missing.
func LoadFromDir(dir string) (*Entry, error) {
	specPath := filepath.Join(dir, specFileName)
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("plugins: read spec: %w", err)
	}

	spec := Spec{Enabled: true}
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("plugins: parse %s: %w", specPath, err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("plugins: %s has no name", specPath)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	meta := Metadata{Name: spec.Name, Path: absDir}
	writeBack := true
	if rawMeta, err := os.ReadFile(filepath.Join(dir, metaFileName)); err == nil {
		if yaml.Unmarshal(rawMeta, &meta) == nil && meta.Hashsum != "" {
			writeBack = false
		}
		meta.Path = absDir
	}

	entry := &Entry{Name: spec.Name, Spec: spec, Metadata: meta}

	if entry.Metadata.Hashsum == "" {
		pkg, err := entry.Package()
		if err != nil {
			return nil, err
		}
		entry.Metadata.Hashsum = hashsum(pkg, spec.Configs)
		writeBack = true
	}

	if writeBack {
		if rawMeta, err := yaml.Marshal(entry.Metadata); err == nil {
			// Best effort: a read-only catalog is still usable.
			_ = os.WriteFile(filepath.Join(dir, metaFileName), rawMeta, 0o644)
		}
	}

	return entry, nil
}

// LoadAll scans the search paths for plugin directories (those containing a
// spec.yaml) and loads each. Broken plugins are skipped and reported through
// the returned error list.
func LoadAll(searchPaths []string) ([]*Entry, []error) {
	var entries []*Entry
	var errs []error

	for _, root := range searchPaths {
		dirents, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		for _, d := range dirents {
			if !d.IsDir() {
				continue
			}
			dir := filepath.Join(root, d.Name())
			if _, err := os.Stat(filepath.Join(dir, specFileName)); err != nil {
				continue
			}
			entry, err := LoadFromDir(dir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			entries = append(entries, entry)
		}
	}

	return entries, errs
}

// Package bundles the plugin directory into a gzipped tar, excluding the spec
// and metadata files. The archive is deterministic so the hashsum is stable.
func (e *Entry) Package() ([]byte, error) {
	root := e.Metadata.Path

	var names []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if base == specFileName || base == metaFileName {
			return nil
		}
		names = append(names, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plugins: package %s: %w", e.Name, err)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, path := range names {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Name: filepath.ToSlash(filepath.Join("plugin", rel)),
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackSource extracts the Go source files from a packaged plugin payload,
// concatenated in archive order.
func UnpackSource(pkg []byte) (string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(pkg))
	if err != nil {
		return "", fmt.Errorf("plugins: unpack: %w", err)
	}
	defer gz.Close()

	var sources []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("plugins: unpack: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".go") {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return "", err
		}
		sources = append(sources, string(raw))
	}

	if len(sources) == 0 {
		return "", fmt.Errorf("plugins: package contains no Go source")
	}
	return strings.Join(sources, "\n\n"), nil
}

// hashsum computes the content hash over the package bytes plus the
// configuration serialized with sorted keys.
func hashsum(pkg []byte, configs map[string]string) string {
	cfg, _ := json.Marshal(sortedConfig(configs))
	sum := sha256.Sum256(append(append([]byte(nil), pkg...), cfg...))
	return hex.EncodeToString(sum[:])
}

func sortedConfig(configs map[string]string) [][2]string {
	keys := make([]string, 0, len(configs))
	for k := range configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, configs[k]})
	}
	return out
}

// FormatDescription renders the one-line description used in planner prompts.
func (e *Entry) FormatDescription(indent int) string {
	pad := strings.Repeat(" ", indent)
	desc := fmt.Sprintf("%s- %s: %s", pad, e.Name, e.Spec.Description)

	var required []string
	for _, p := range e.Spec.Parameters {
		if p.Required {
			required = append(required, fmt.Sprintf("%s: %s", p.Name, p.goType()))
		}
	}
	if len(required) > 0 {
		desc += " Required parameters: " + strings.Join(required, ", ")
	}
	return desc
}

// FormatPrompt renders the full signature block used in code generator
// prompts.
func (e *Entry) FormatPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s`: %s\n\n", e.Name, e.Spec.Description)
	b.WriteString("```go\nfunc " + exportedName(e.Name) + "(\n")

	for _, p := range e.Spec.Parameters {
		if p.Description != "" {
			prefix := ""
			if !p.Required {
				prefix = "(Optional) "
			}
			fmt.Fprintf(&b, "\t// %s%s\n", prefix, strings.ReplaceAll(strings.TrimSpace(p.Description), "\n", "\n\t// "))
		}
		typ := p.goType()
		if len(p.Choices) > 0 {
			typ += " // one of: " + strings.Join(p.Choices, ", ")
		}
		fmt.Fprintf(&b, "\t%s %s,\n", p.Name, typ)
	}

	returns := make([]string, 0, len(e.Spec.Returns))
	for _, r := range e.Spec.Returns {
		returns = append(returns, fmt.Sprintf("%s %s", r.Name, r.goType()))
	}
	switch len(returns) {
	case 0:
		b.WriteString(")\n")
	case 1:
		fmt.Fprintf(&b, ") %s\n", returns[0])
	default:
		fmt.Fprintf(&b, ") (%s)\n", strings.Join(returns, ", "))
	}

	if len(e.Spec.Examples) > 0 {
		b.WriteString("\n// Examples:\n")
		for _, ex := range e.Spec.Examples {
			fmt.Fprintf(&b, "//\t%s\n", ex)
		}
	}
	b.WriteString("```")
	return b.String()
}

func exportedName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, "")
}
