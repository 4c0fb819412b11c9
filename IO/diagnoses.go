package IO

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
)

// Diagnoses maps a subject id to its history. Each entry of a history is one
// segment: a single code, or the space-joined codes of one visit.
type Diagnoses map[int64][]string

// LoadDiagnoses reads the subject -> diagnosis list mapping. Python pickles
// (.pk, .pkl, .pickle) and JSON objects keyed by subject id are supported.
func LoadDiagnoses(path string) (Diagnoses, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadDiagnosesJSON(path)
	case ".pk", ".pkl", ".pickle":
		return loadDiagnosesPickle(path)
	default:
		return nil, fmt.Errorf("diagnoses %s: unsupported extension", path)
	}
}

func loadDiagnosesJSON(path string) (Diagnoses, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string][]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make(Diagnoses, len(m))
	for k, v := range m {
		id, err := subjectKey(k)
		if err != nil {
			return nil, err
		}
		segs, err := segments(v)
		if err != nil {
			return nil, fmt.Errorf("subject %d: %w", id, err)
		}
		out[id] = segs
	}
	return out, nil
}

// Interfaces satisfied by gopickle's Dict, List and Tuple values.
type pickleDict interface {
	Keys() []interface{}
	Get(key interface{}) (interface{}, bool)
}

type pickleSeq interface {
	Len() int
	Get(i int) interface{}
}

func loadDiagnosesPickle(path string) (Diagnoses, error) {
	obj, err := pickle.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", path, err)
	}

	out := Diagnoses{}
	add := func(k, v interface{}) error {
		id, err := subjectKey(k)
		if err != nil {
			return err
		}
		items, err := asSlice(v)
		if err != nil {
			return fmt.Errorf("subject %d: %w", id, err)
		}
		segs, err := segments(items)
		if err != nil {
			return fmt.Errorf("subject %d: %w", id, err)
		}
		out[id] = segs
		return nil
	}

	switch d := obj.(type) {
	case pickleDict:
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	case map[interface{}]interface{}:
		for k, v := range d {
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unpickle %s: top level is %T, want dict", path, obj)
	}
	return out, nil
}

// subjectKey accepts ints, big ints, integral floats and numeric strings.
func subjectKey(k interface{}) (int64, error) {
	switch v := k.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case *big.Int:
		if v.IsInt64() {
			return v.Int64(), nil
		}
	case float64:
		if v == math.Trunc(v) {
			return int64(v), nil
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return id, nil
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f == math.Trunc(f) {
			return int64(f), nil
		}
	}
	return 0, fmt.Errorf("subject key %v (%T) is not an integer id", k, k)
}

func asSlice(v interface{}) ([]interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return s, nil
	case pickleSeq:
		out := make([]interface{}, s.Len())
		for i := range out {
			out[i] = s.Get(i)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

// segments flattens one history: strings stay as they are, nested lists are
// joined with spaces.
func segments(items []interface{}) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
			continue
		}
		inner, err := asSlice(it)
		if err != nil {
			return nil, fmt.Errorf("segment %v: %w", it, err)
		}
		codes := make([]string, 0, len(inner))
		for _, c := range inner {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("code %v (%T) is not a string", c, c)
			}
			codes = append(codes, s)
		}
		out = append(out, strings.Join(codes, " "))
	}
	return out, nil
}
