// Package sanitize reduces arbitrary value trees to store-safe primitives.
//
// The output only contains nil, bool, int64, uint64, float64, string,
// map[string]any and []any. The walk is bounded by depth and by the number of
// visited nodes; anything past either bound is truncated. Reference cycles
// are broken at the point they close. Sanitize never panics.
package sanitize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxDepth     = 32
	DefaultMaxNodes     = 50_000
	DefaultMaxStringLen = 8 << 10
)

type Limits struct {
	MaxDepth     int
	MaxNodes     int
	MaxStringLen int
}

func DefaultLimits() Limits {
	return Limits{
		MaxDepth:     DefaultMaxDepth,
		MaxNodes:     DefaultMaxNodes,
		MaxStringLen: DefaultMaxStringLen,
	}
}

type Sanitizer struct {
	limits Limits
}

func New(limits Limits) *Sanitizer {
	def := DefaultLimits()
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	if limits.MaxNodes <= 0 {
		limits.MaxNodes = def.MaxNodes
	}
	if limits.MaxStringLen <= 0 {
		limits.MaxStringLen = def.MaxStringLen
	}
	return &Sanitizer{limits: limits}
}

func (s *Sanitizer) Limits() Limits { return s.limits }

// Sanitize walks v depth first and returns its store-safe rendition. changed
// reports whether anything had to be converted, truncated or dropped.
func (s *Sanitizer) Sanitize(v any) (out any, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			out, changed = Skeleton(0, 0, 0), true
		}
	}()

	w := &walker{limits: s.limits, onPath: make(map[visit]struct{})}
	out, keep := w.walk(reflect.ValueOf(v), 1)
	if !keep {
		return nil, true
	}
	return out, w.changed
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	limits  Limits
	nodes   int
	changed bool
	onPath  map[visit]struct{}
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	jsonNumberType = reflect.TypeOf(json.Number(""))
	int64Type      = reflect.TypeOf(int64(0))
	uint64Type     = reflect.TypeOf(uint64(0))
	float64Type    = reflect.TypeOf(float64(0))
)

// walk returns the sanitized value and whether it should be kept at all.
func (w *walker) walk(v reflect.Value, depth int) (any, bool) {
	if depth > w.limits.MaxDepth || w.nodes >= w.limits.MaxNodes {
		w.changed = true
		return nil, false
	}
	w.nodes++

	if !v.IsValid() {
		return nil, true
	}

	if v.Type() == jsonNumberType {
		n := json.Number(v.String())
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			w.changed = true
			return float64(0), true
		}
		return f, true
	}

	if v.Type() == timeType {
		w.changed = true
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return int64(0), true
		}
		return t.UnixMilli(), true
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Type() != int64Type {
			w.changed = true
		}
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if v.Type() != uint64Type {
			w.changed = true
		}
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			w.changed = true
			return float64(0), true
		}
		if v.Type() != float64Type {
			w.changed = true
		}
		return f, true
	case reflect.Complex64, reflect.Complex128:
		w.changed = true
		c := v.Complex()
		return strconv.FormatComplex(complex(finite(real(c)), finite(imag(c))), 'g', -1, 128), true
	case reflect.String:
		return w.cleanString(v.String()), true
	case reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if _, seen := w.onPath[key]; seen {
			w.changed = true
			return nil, false
		}
		w.onPath[key] = struct{}{}
		defer delete(w.onPath, key)
		// The pointer itself does not add a level; its target does.
		w.nodes--
		return w.walk(v.Elem(), depth)
	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		w.nodes--
		return w.walk(v.Elem(), depth)
	case reflect.Map:
		return w.walkMap(v, depth)
	case reflect.Slice:
		if v.IsNil() {
			return []any{}, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			w.changed = true
			return base64.StdEncoding.EncodeToString(v.Bytes()), true
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if v.Len() > 0 {
			if _, seen := w.onPath[key]; seen {
				w.changed = true
				return nil, false
			}
			w.onPath[key] = struct{}{}
			defer delete(w.onPath, key)
		}
		return w.walkList(v, depth)
	case reflect.Array:
		w.changed = true
		return w.walkList(v, depth)
	case reflect.Struct:
		return w.walkStruct(v, depth)
	default:
		// func, chan, unsafe pointer: handles with no storable form.
		w.changed = true
		return nil, false
	}
}

func (w *walker) walkMap(v reflect.Value, depth int) (any, bool) {
	if v.IsNil() {
		return map[string]any{}, true
	}
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if _, seen := w.onPath[key]; seen {
		w.changed = true
		return nil, false
	}
	w.onPath[key] = struct{}{}
	defer delete(w.onPath, key)

	type entry struct {
		name string
		val  reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		for k.Kind() == reflect.Interface && !k.IsNil() {
			k = k.Elem()
		}
		var name string
		if k.Kind() == reflect.String {
			name = k.String()
		} else {
			w.changed = true
			name = fmt.Sprint(k.Interface())
		}
		entries = append(entries, entry{name: w.cleanString(name), val: iter.Value()})
	}
	// Sorted keys keep truncation deterministic across runs.
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	out := make(map[string]any, len(entries))
	for _, e := range entries {
		val, keep := w.walk(e.val, depth+1)
		if !keep {
			continue
		}
		if _, dup := out[e.name]; dup {
			w.changed = true
		}
		out[e.name] = val
	}
	return out, true
}

func (w *walker) walkList(v reflect.Value, depth int) (any, bool) {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if w.nodes >= w.limits.MaxNodes {
			w.changed = true
			break
		}
		val, keep := w.walk(v.Index(i), depth+1)
		if !keep {
			// Keep positions stable for ordered collections. The placeholder
			// is a node of its own.
			if w.nodes >= w.limits.MaxNodes {
				break
			}
			w.nodes++
			val = nil
		}
		out = append(out, val)
	}
	return out, true
}

func (w *walker) walkStruct(v reflect.Value, depth int) (any, bool) {
	w.changed = true
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "" {
			continue
		}
		val, keep := w.walk(v.Field(i), depth+1)
		if !keep {
			continue
		}
		out[name] = val
	}
	return out, true
}

func fieldName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	r, size := utf8.DecodeRuneInString(f.Name)
	return string(unicode.ToLower(r)) + f.Name[size:]
}

func (w *walker) cleanString(s string) string {
	orig := s
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(s) > w.limits.MaxStringLen {
		cut := w.limits.MaxStringLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	if s != orig {
		w.changed = true
	}
	return s
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
