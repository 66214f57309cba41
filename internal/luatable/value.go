package luatable

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the variant stored in a Value.
type Kind int

const (
	// Nil is the Lua nil value.
	Nil Kind = iota
	// Bool is true or false.
	Bool
	// Int is an integer literal (decimal or hex).
	Int
	// Float is a literal containing a decimal point or exponent.
	Float
	// String is a quoted, long-bracket, or bare-identifier string.
	String
	// Seq is a table whose keys are exactly the integers 1..N.
	Seq
	// Map is any other table, with key order preserved.
	Map
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Nil:
		return "nil"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Seq:
		return "seq"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a parsed Lua value. Exactly one variant field is meaningful,
// selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Seq   []Value
	Map   *Table
}

// Convenience constructors used by the parser and by tests.

func NilValue() Value           { return Value{Kind: Nil} }
func BoolValue(b bool) Value    { return Value{Kind: Bool, Bool: b} }
func IntValue(n int64) Value    { return Value{Kind: Int, Int: n} }
func FloatValue(f float64) Value { return Value{Kind: Float, Float: f} }
func StringValue(s string) Value { return Value{Kind: String, Str: s} }

// Equal reports deep equality of two values. Int and Float never compare
// equal even when numerically identical; kind is part of identity.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Nil:
		return true
	case Bool:
		return v.Bool == o.Bool
	case Int:
		return v.Int == o.Int
	case Float:
		return v.Float == o.Float
	case String:
		return v.Str == o.Str
	case Seq:
		if len(v.Seq) != len(o.Seq) {
			return false
		}
		for i := range v.Seq {
			if !v.Seq[i].Equal(o.Seq[i]) {
				return false
			}
		}
		return true
	case Map:
		if v.Map.Len() != o.Map.Len() {
			return false
		}
		for _, e := range v.Map.Entries() {
			ov, ok := o.Map.Get(e.Key)
			if !ok || !e.Val.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Field looks up a string key if the value is a Map.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != Map || v.Map == nil {
		return Value{}, false
	}
	return v.Map.Get(StringValue(name))
}

// Interface converts the value to plain Go data: nil, bool, int64, float64,
// string, []any, or map[string]any. Map key order is not preserved; non-string
// map keys are rendered with their literal text. Used when handing payloads
// to encoding/json.
func (v Value) Interface() any {
	switch v.Kind {
	case Nil:
		return nil
	case Bool:
		return v.Bool
	case Int:
		return v.Int
	case Float:
		return v.Float
	case String:
		return v.Str
	case Seq:
		out := make([]any, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = e.Interface()
		}
		return out
	case Map:
		out := make(map[string]any, v.Map.Len())
		for _, e := range v.Map.Entries() {
			out[keyText(e.Key)] = e.Val.Interface()
		}
		return out
	default:
		return nil
	}
}

// AsString coerces scalar values to their string form. Returns false for
// tables and nil.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case String:
		return v.Str, true
	case Int:
		return strconv.FormatInt(v.Int, 10), true
	case Float:
		return strconv.FormatFloat(v.Float, 'g', -1, 64), true
	case Bool:
		return strconv.FormatBool(v.Bool), true
	default:
		return "", false
	}
}

// AsFloat coerces numeric values to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case Int:
		return float64(v.Int), true
	case Float:
		return v.Float, true
	default:
		return 0, false
	}
}

// keyText renders a key value as map-key text.
func keyText(k Value) string {
	if s, ok := k.AsString(); ok {
		return s
	}
	return fmt.Sprintf("%v", k.Interface())
}

// canonicalKey produces a collision-free lookup string for a key value,
// distinguishing kinds so that the string "1" and the integer 1 remain
// distinct keys.
func canonicalKey(k Value) string {
	switch k.Kind {
	case Int:
		return "i:" + strconv.FormatInt(k.Int, 10)
	case Float:
		return "f:" + strconv.FormatFloat(k.Float, 'g', -1, 64)
	case Bool:
		return "b:" + strconv.FormatBool(k.Bool)
	default:
		return "s:" + k.Str
	}
}

// Entry is one key/value pair of a Table.
type Entry struct {
	Key Value
	Val Value
}

// Table is an ordered set of key→value pairs. Keys are unique; setting an
// existing key replaces its value in place without changing its position.
type Table struct {
	entries []Entry
	index   map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Set inserts or replaces the value for key.
func (t *Table) Set(key, val Value) {
	ck := canonicalKey(key)
	if i, ok := t.index[ck]; ok {
		t.entries[i].Val = val
		return
	}
	t.index[ck] = len(t.entries)
	t.entries = append(t.entries, Entry{Key: key, Val: val})
}

// Get returns the value for key.
func (t *Table) Get(key Value) (Value, bool) {
	i, ok := t.index[canonicalKey(key)]
	if !ok {
		return Value{}, false
	}
	return t.entries[i].Val, true
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the pairs in insertion order. The slice is shared; callers
// must not modify it.
func (t *Table) Entries() []Entry { return t.entries }

// value wraps the table as a Value, reclassifying it as a Seq when its keys
// are exactly the integers 1..N with no gaps. The check runs only after the
// table is fully parsed, so key order during parsing does not matter.
func (t *Table) value() Value {
	if t.Len() > 0 && t.isSequence() {
		seq := make([]Value, t.Len())
		for _, e := range t.entries {
			seq[e.Key.Int-1] = e.Val
		}
		return Value{Kind: Seq, Seq: seq}
	}
	return Value{Kind: Map, Map: t}
}

func (t *Table) isSequence() bool {
	n := int64(t.Len())
	for _, e := range t.entries {
		if e.Key.Kind != Int || e.Key.Int < 1 || e.Key.Int > n {
			return false
		}
	}
	// Keys are unique ints in [1,n], so there are exactly n of them: 1..N.
	return true
}

// Document holds the top-level variable assignments of a SavedVariables file
// in encounter order.
type Document struct {
	names []string
	vars  map[string]Value

	// Skipped lists top-level variables whose tables failed to parse and
	// were dropped by best-effort recovery.
	Skipped []string
}

// Names returns the top-level variable names in file order.
func (d *Document) Names() []string { return d.names }

// Var returns the value assigned to a top-level variable.
func (d *Document) Var(name string) (Value, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// Len returns the number of successfully parsed assignments.
func (d *Document) Len() int { return len(d.names) }

func (d *Document) set(name string, v Value) {
	if _, ok := d.vars[name]; !ok {
		d.names = append(d.names, name)
	}
	d.vars[name] = v
}

// String summarizes the document for logging.
func (d *Document) String() string {
	return fmt.Sprintf("Document(%s)", strings.Join(d.names, ", "))
}
