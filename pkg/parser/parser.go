// Package parser turns upstream response bodies into record objects.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// ErrMalformed is wrapped by every error caused by the body itself.
var ErrMalformed = errors.New("malformed response")

// Parser extracts the record array from bare or wrapped JSON responses. Compiled response paths
// are cached.
type Parser struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewParser() *Parser {
	return &Parser{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Parse decodes body and returns its records. Numbers are kept as json.Number.
//
// A bare array is returned as is. For an object, responsePath is tried first, then the first
// array property named get*, data or result, then a success object is returned as a single
// record, then the first non-empty array property, and finally the object itself.
func (p *Parser) Parse(body []byte, responsePath string) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformed)
	}

	switch val := root.(type) {
	case []any:
		return objects(val)
	case map[string]any:
		return p.fromObject(val, responsePath)
	default:
		return nil, fmt.Errorf("%w: expected an object or array, got %T", ErrMalformed, root)
	}
}

func (p *Parser) fromObject(obj map[string]any, responsePath string) ([]map[string]any, error) {
	if responsePath != "" {
		compiled, err := p.compile(responsePath)
		if err != nil {
			return nil, err
		}
		found, err := compiled.Search(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate response path %q: %w", responsePath, err)
		}
		if arr, ok := found.([]any); ok {
			return objects(arr)
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok && (strings.HasPrefix(k, "get") || k == "data" || k == "result") {
			return objects(arr)
		}
	}

	if success, ok := obj["success"].(bool); ok && success {
		return []map[string]any{obj}, nil
	}

	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok && len(arr) > 0 {
			return objects(arr)
		}
	}

	return []map[string]any{obj}, nil
}

func (p *Parser) compile(expression string) (*jmespath.JMESPath, error) {
	p.mu.RLock()
	if compiled, ok := p.cache[expression]; ok {
		p.mu.RUnlock()
		return compiled, nil
	}
	p.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid response path %q: %w", expression, err)
	}

	p.mu.Lock()
	p.cache[expression] = compiled
	p.mu.Unlock()

	return compiled, nil
}

func objects(arr []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T, not an object", ErrMalformed, i, item)
		}
		out = append(out, obj)
	}
	return out, nil
}
