package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lychee-technology/feedsync/internal/indexer"
)

type payloadSchemaOptions struct {
	schemaFile string
	outFile    string
	samples    []string
}

func parsePayloadSchemaFlags(args []string, out io.Writer) (payloadSchemaOptions, error) {
	flags := flag.NewFlagSet("payload-schema", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.Usage = func() {
		fmt.Fprintln(out, "Usage: feedsync-tools payload-schema -schema-file <path> [options] [sample.json...]")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Options:")
		flags.PrintDefaults()
	}

	opts := payloadSchemaOptions{}
	flags.StringVar(&opts.schemaFile, "schema-file", "", "path to the payload JSON schema (required)")
	flags.StringVar(&opts.outFile, "out", "", "write the inlined schema here instead of stdout")

	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	if opts.schemaFile == "" {
		return opts, fmt.Errorf("-schema-file is required")
	}
	opts.samples = flags.Args()
	return opts, nil
}

func runPayloadSchema(args []string) error {
	opts, err := parsePayloadSchemaFlags(args, os.Stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	inlined, err := NewSchemaInliner().InlineFile(opts.schemaFile)
	if err != nil {
		return fmt.Errorf("inline schema: %w", err)
	}
	encoded, err := json.MarshalIndent(inlined, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	serializer, err := indexer.NewJSONSerializer(string(encoded))
	if err != nil {
		return err
	}
	if err := checkSamples(serializer, opts.samples); err != nil {
		return err
	}

	if opts.outFile == "" {
		fmt.Println(string(encoded))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.outFile), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(opts.outFile, encoded, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Inlined payload schema written, output: %s\n", opts.outFile)
	return nil
}

// checkSamples validates every sample payload file and reports all failures together.
func checkSamples(serializer *indexer.JSONSerializer, files []string) error {
	var errs []error
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			errs = append(errs, fmt.Errorf("read sample %s: %w", file, err))
			continue
		}
		if err := serializer.Validate(data); err != nil {
			errs = append(errs, fmt.Errorf("sample %s: %w", file, err))
		}
	}
	return errors.Join(errs...)
}

// SchemaInliner replaces $ref references with their targets, drops x-* extension keywords and
// removes the definitions sections that become unreachable.
type SchemaInliner struct {
	files     map[string]map[string]any
	resolving map[string]bool
}

func NewSchemaInliner() *SchemaInliner {
	return &SchemaInliner{files: make(map[string]map[string]any), resolving: make(map[string]bool)}
}

// InlineFile returns the inlined schema of a file.
func (s *SchemaInliner) InlineFile(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}
	doc, err := s.load(abs)
	if err != nil {
		return nil, err
	}
	return s.object(doc, abs)
}

func (s *SchemaInliner) load(abs string) (map[string]any, error) {
	if doc, ok := s.files[abs]; ok {
		return doc, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", abs, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse JSON %s: %w", abs, err)
	}
	s.files[abs] = doc
	return doc, nil
}

func (s *SchemaInliner) node(v any, file string) (any, error) {
	switch n := v.(type) {
	case map[string]any:
		return s.object(n, file)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			inlined, err := s.node(item, file)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = inlined
		}
		return out, nil
	default:
		return v, nil
	}
}

// object inlines one schema object. Keywords next to a $ref override the referenced ones.
func (s *SchemaInliner) object(obj map[string]any, file string) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	if ref, ok := obj["$ref"].(string); ok {
		target, err := s.resolve(ref, file)
		if err != nil {
			return nil, err
		}
		for k, v := range target {
			out[k] = v
		}
	}
	for k, v := range obj {
		if k == "$ref" || k == "$defs" || k == "definitions" || strings.HasPrefix(k, "x-") {
			continue
		}
		inlined, err := s.node(v, file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = inlined
	}
	return out, nil
}

func (s *SchemaInliner) resolve(ref, file string) (map[string]any, error) {
	target, pointer, _ := strings.Cut(ref, "#")
	targetFile := file
	if target != "" {
		if filepath.IsAbs(target) {
			targetFile = target
		} else {
			targetFile = filepath.Join(filepath.Dir(file), target)
		}
	}

	key := targetFile + "#" + pointer
	if s.resolving[key] {
		return nil, fmt.Errorf("circular reference %s in %s", ref, file)
	}
	s.resolving[key] = true
	defer delete(s.resolving, key)

	doc, err := s.load(targetFile)
	if err != nil {
		return nil, fmt.Errorf("load ref %s: %w", ref, err)
	}
	found, err := jsonPointer(doc, pointer)
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", ref, err)
	}
	obj, ok := found.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ref %s does not point at an object", ref)
	}
	return s.object(obj, targetFile)
}

// jsonPointer walks an RFC 6901 pointer.
func jsonPointer(doc any, pointer string) (any, error) {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return doc, nil
	}
	current := doc
	for _, part := range strings.Split(pointer, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", part)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", part)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T", current)
		}
	}
	return current, nil
}
