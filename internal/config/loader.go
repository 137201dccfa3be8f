package config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "geark.yaml"

// Load reads a geark document from the provided path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	doc, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return doc, nil
}

// Parse decodes a document from data. Relative paths inside the document
// resolve against dir.
func Parse(data []byte, dir string) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode: %w", err)
	}
	doc.Dir = dir

	doc.Server.Addr = os.ExpandEnv(doc.Server.Addr)
	for _, name := range doc.TasksSorted() {
		if err := ResolveTask(dir, []string{name}, doc.Tasks[name]); err != nil {
			return nil, err
		}
	}

	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ResolveTask expands environment references in spec and its children,
// resolves relative paths against dir and merges envFromFile values under
// the inline env.
func ResolveTask(dir string, path []string, spec *TaskSpec) error {
	if spec == nil {
		return nil
	}
	spec.URL = os.ExpandEnv(spec.URL)
	spec.Address = os.ExpandEnv(spec.Address)
	for i, arg := range spec.Command {
		spec.Command[i] = os.ExpandEnv(arg)
	}
	if spec.Workdir != "" || spec.Kind == KindProcess {
		spec.Workdir = resolveWorkdir(dir, os.ExpandEnv(spec.Workdir))
	}

	var fileEnv map[string]string
	if spec.EnvFromFile != "" {
		expanded := os.ExpandEnv(spec.EnvFromFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(dir, expanded))
		}
		spec.EnvFromFile = expanded

		var err error
		fileEnv, err = loadEnvFile(expanded)
		if err != nil {
			return fmt.Errorf("%s: %w", taskField(path, "envFromFile"), err)
		}
	}

	merged := make(map[string]string, len(fileEnv)+len(spec.Env))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range spec.Env {
		merged[k] = os.ExpandEnv(v)
	}
	if len(merged) > 0 {
		spec.Env = merged
	} else {
		spec.Env = nil
	}

	for _, name := range spec.ChildrenSorted() {
		childPath := append(append([]string(nil), path...), "children", name)
		if err := ResolveTask(dir, childPath, spec.Children[name]); err != nil {
			return err
		}
	}
	return nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(value, `"`):
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		case strings.HasPrefix(value, "'"):
			if len(value) < 2 || !strings.HasSuffix(value, "'") {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		default:
			if idx := strings.Index(value, " #"); idx >= 0 {
				value = strings.TrimSpace(value[:idx])
			}
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
