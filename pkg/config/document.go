// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/pkg/errors"
)

// document is a parsed configuration document: a nested mapping of string keys to scalars and lists.
// Key paths are given with "." separators, e.g. "data_ingestion.images_dir".
type document struct {
	name string
	root map[string]any
}

func (d *document) errorf(key, format string, args ...any) error {
	return failure.New(failure.KindConfig, "config."+d.name, "key %q: %s", key, fmt.Sprintf(format, args...))
}

// lookup returns the value at the key path, and whether it was found.
func (d *document) lookup(key string) (any, bool) {
	var node any = d.root
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(node)
		if !ok {
			return nil, false
		}
		node, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return node, node != nil
}

func asMap(node any) (map[string]any, bool) {
	switch m := node.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		converted := make(map[string]any, len(m))
		for k, v := range m {
			converted[fmt.Sprint(k)] = v
		}
		return converted, true
	}
	return nil, false
}

func (d *document) has(key string) bool {
	_, found := d.lookup(key)
	return found
}

func (d *document) requireValue(key string) (any, error) {
	v, found := d.lookup(key)
	if !found {
		return nil, d.errorf(key, "missing required key")
	}
	return v, nil
}

func (d *document) str(key string) (string, error) {
	v, err := d.requireValue(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", d.errorf(key, "expected a non-empty string, got %T(%v)", v, v)
	}
	return s, nil
}

// stringOr returns the string at key, or defaultValue if the key is absent.
func (d *document) strOr(key, defaultValue string) (string, error) {
	if !d.has(key) {
		return defaultValue, nil
	}
	return d.str(key)
}

func (d *document) stringList(key string) ([]string, error) {
	v, err := d.requireValue(key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		if s, isString := v.(string); isString && s != "" {
			return []string{s}, nil
		}
		return nil, d.errorf(key, "expected a list of strings, got %T", v)
	}
	if len(list) == 0 {
		return nil, d.errorf(key, "expected at least one entry")
	}
	values := make([]string, 0, len(list))
	for ii, elem := range list {
		s, ok := elem.(string)
		if !ok || s == "" {
			return nil, d.errorf(key, "entry #%d: expected a non-empty string, got %T(%v)", ii, elem, elem)
		}
		values = append(values, s)
	}
	return values, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	return 0, errors.Errorf("expected a number, got %T(%v)", v, v)
}

func toInt(v any) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, errors.Errorf("expected an integer, got %v", v)
	}
	return int(f), nil
}

func (d *document) number(key string) (float64, error) {
	v, err := d.requireValue(key)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, d.errorf(key, "%v", err)
	}
	return f, nil
}

func (d *document) numberOr(key string, defaultValue float64) (float64, error) {
	if !d.has(key) {
		return defaultValue, nil
	}
	return d.number(key)
}

func (d *document) integer(key string) (int, error) {
	v, err := d.requireValue(key)
	if err != nil {
		return 0, err
	}
	i, err := toInt(v)
	if err != nil {
		return 0, d.errorf(key, "%v", err)
	}
	return i, nil
}

func (d *document) integerOr(key string, defaultValue int) (int, error) {
	if !d.has(key) {
		return defaultValue, nil
	}
	return d.integer(key)
}

func (d *document) boolOr(key string, defaultValue bool) (bool, error) {
	v, found := d.lookup(key)
	if !found {
		return defaultValue, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, d.errorf(key, "expected a boolean, got %T(%v)", v, v)
	}
	return b, nil
}

// intList accepts either a scalar or a list of integers.
func (d *document) intList(key string) ([]int, error) {
	v, err := d.requireValue(key)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		i, err := toInt(v)
		if err != nil {
			return nil, d.errorf(key, "%v", err)
		}
		return []int{i}, nil
	}
	values := make([]int, 0, len(list))
	for ii, elem := range list {
		i, err := toInt(elem)
		if err != nil {
			return nil, d.errorf(key, "entry #%d: %v", ii, err)
		}
		values = append(values, i)
	}
	return values, nil
}
