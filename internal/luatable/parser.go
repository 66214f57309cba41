// Package luatable parses the Lua table-literal format used by ESO
// SavedVariables files.
//
// A SavedVariables file contains one or more top-level assignments:
//
//	ESOBuildOptimizer_SavedVariables = {
//	    ["version"] = 3,
//	    ["combatRuns"] = {
//	        { ["run_id"] = "r-1", ["dps"] = 52301.5 },
//	    },
//	}
//
// The parser is recursive descent over explicit character positions. A
// malformed table costs only its own top-level variable: the driver logs the
// failure and resumes scanning from just past the failed assignment.
package luatable

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxDepth bounds table nesting so corrupt or hostile input cannot
// grow the call stack without limit.
const DefaultMaxDepth = 200

// ParseError reports a syntax error at a byte position in the input.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("lua parse error at offset %d: %s", e.Pos, e.Msg)
}

func errAt(pos int, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// assignmentPattern matches "identifier = {" at a top level of the file.
var assignmentPattern = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*\{`)

// Parser parses SavedVariables content into Documents.
type Parser struct {
	logger   *log.Logger
	maxDepth int
}

// New creates a Parser. A nil logger falls back to stderr.
func New(logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.New(os.Stderr, "[luatable] ", log.LstdFlags)
	}
	return &Parser{logger: logger, maxDepth: DefaultMaxDepth}
}

// Parse extracts every top-level `identifier = { ... }` assignment from src.
// Assignments whose tables fail to parse are logged, recorded in
// Document.Skipped, and scanning resumes past the failed assignment; the
// rest of the file still parses.
func (p *Parser) Parse(src string) *Document {
	doc := &Document{vars: make(map[string]Value)}

	pos := 0
	for pos < len(src) {
		loc := assignmentPattern.FindStringSubmatchIndex(src[pos:])
		if loc == nil {
			break
		}
		name := src[pos+loc[2] : pos+loc[3]]
		braceStart := pos + loc[1] - 1 // position of the '{'

		s := &scanner{src: src, pos: braceStart, maxDepth: p.maxDepth}
		val, err := s.parseTable(0)
		if err != nil {
			p.logger.Printf("skipping table %s: %v", name, err)
			doc.Skipped = append(doc.Skipped, name)
			pos = pos + loc[1]
			continue
		}
		doc.set(name, val)
		pos = s.pos
	}

	return doc
}

// ParseValue parses a standalone value fragment such as "{1, 2, 3}" or
// `"hello"`. Trailing content after the value is an error.
func (p *Parser) ParseValue(fragment string) (Value, error) {
	s := &scanner{src: fragment, maxDepth: p.maxDepth}
	s.skipSpace()
	val, err := s.parseValue(0)
	if err != nil {
		return Value{}, err
	}
	s.skipSpace()
	if s.pos < len(s.src) {
		return Value{}, errAt(s.pos, "trailing content after value")
	}
	return val, nil
}

// scanner walks the source by byte position.
type scanner struct {
	src      string
	pos      int
	maxDepth int
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte { return s.src[s.pos] }

// skipSpace advances past whitespace, line comments (--...), and block
// comments (--[[...]]).
func (s *scanner) skipSpace() {
	for !s.eof() {
		c := s.src[s.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f' {
			s.pos++
			continue
		}
		if strings.HasPrefix(s.src[s.pos:], "--") {
			if strings.HasPrefix(s.src[s.pos:], "--[[") {
				end := strings.Index(s.src[s.pos+4:], "]]")
				if end == -1 {
					s.pos = len(s.src)
					return
				}
				s.pos += 4 + end + 2
			} else {
				end := strings.IndexByte(s.src[s.pos:], '\n')
				if end == -1 {
					s.pos = len(s.src)
					return
				}
				s.pos += end + 1
			}
			continue
		}
		return
	}
}

// parseTable parses a table starting at '{' and returns the position just
// past the closing '}' in s.pos.
func (s *scanner) parseTable(depth int) (Value, error) {
	if depth > s.maxDepth {
		return Value{}, errAt(s.pos, "table nesting exceeds %d levels", s.maxDepth)
	}
	if s.eof() || s.peek() != '{' {
		return Value{}, errAt(s.pos, "expected '{'")
	}
	s.pos++

	table := NewTable()
	nextIndex := int64(1)

	for {
		s.skipSpace()
		if s.eof() {
			return Value{}, errAt(s.pos, "unterminated table")
		}
		if s.peek() == '}' {
			s.pos++
			return table.value(), nil
		}

		var key, val Value
		switch {
		case s.peek() == '[' && !strings.HasPrefix(s.src[s.pos:], "[["):
			// Bracketed key: [expr] = value
			s.pos++
			s.skipSpace()
			k, err := s.parseValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			s.skipSpace()
			if s.eof() || s.peek() != ']' {
				return Value{}, errAt(s.pos, "expected ']'")
			}
			s.pos++
			s.skipSpace()
			if s.eof() || s.peek() != '=' {
				return Value{}, errAt(s.pos, "expected '=' after bracketed key")
			}
			s.pos++
			s.skipSpace()
			v, err := s.parseValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			key, val = k, v
			if k.Kind == Int && k.Int == nextIndex {
				nextIndex++
			}

		case s.atIdentAssignment():
			// identifier = value
			name := s.scanIdentifier()
			s.skipSpace()
			s.pos++ // '='
			s.skipSpace()
			v, err := s.parseValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			key, val = StringValue(name), v

		default:
			// Bare value: implicit sequential index.
			v, err := s.parseValue(depth + 1)
			if err != nil {
				return Value{}, err
			}
			key, val = IntValue(nextIndex), v
			nextIndex++
		}

		table.Set(key, val)

		s.skipSpace()
		if !s.eof() && (s.peek() == ',' || s.peek() == ';') {
			s.pos++
		}
	}
}

// atIdentAssignment reports whether the scanner sits on "identifier =" that
// is not "identifier ==" (which Lua table literals cannot contain anyway).
func (s *scanner) atIdentAssignment() bool {
	if s.eof() || !isIdentStart(s.peek()) {
		return false
	}
	i := s.pos
	for i < len(s.src) && isIdentPart(s.src[i]) {
		i++
	}
	for i < len(s.src) && (s.src[i] == ' ' || s.src[i] == '\t' || s.src[i] == '\r' || s.src[i] == '\n') {
		i++
	}
	return i < len(s.src) && s.src[i] == '='
}

func (s *scanner) scanIdentifier() string {
	start := s.pos
	for !s.eof() && isIdentPart(s.peek()) {
		s.pos++
	}
	return s.src[start:s.pos]
}

// parseValue parses a single value at the current position: a nested table,
// a string in any of the three syntaxes, a number, true/false/nil, or a bare
// identifier (kept as its string text, matching how the game serializer
// treats enum-like values).
func (s *scanner) parseValue(depth int) (Value, error) {
	s.skipSpace()
	if s.eof() {
		return Value{}, errAt(s.pos, "unexpected end of input")
	}

	switch c := s.peek(); {
	case c == '{':
		return s.parseTable(depth)
	case c == '"' || c == '\'':
		return s.parseString(c)
	case strings.HasPrefix(s.src[s.pos:], "[["):
		return s.parseLongString()
	case c == '-' || (c >= '0' && c <= '9'):
		return s.parseNumber()
	case isIdentStart(c):
		word := s.scanIdentifier()
		switch word {
		case "true":
			return BoolValue(true), nil
		case "false":
			return BoolValue(false), nil
		case "nil":
			return NilValue(), nil
		default:
			return StringValue(word), nil
		}
	default:
		end := s.pos + 20
		if end > len(s.src) {
			end = len(s.src)
		}
		return Value{}, errAt(s.pos, "cannot parse value at %q", s.src[s.pos:end])
	}
}

// parseString parses a quoted string with backslash escapes. Unknown escapes
// pass the following character through literally.
func (s *scanner) parseString(quote byte) (Value, error) {
	s.pos++ // opening quote
	var b strings.Builder
	for !s.eof() {
		c := s.peek()
		switch c {
		case quote:
			s.pos++
			return StringValue(b.String()), nil
		case '\\':
			if s.pos+1 >= len(s.src) {
				return Value{}, errAt(s.pos, "unexpected end of string")
			}
			next := s.src[s.pos+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(next)
			}
			s.pos += 2
		default:
			b.WriteByte(c)
			s.pos++
		}
	}
	return Value{}, errAt(s.pos, "unterminated string")
}

// parseLongString parses a long-bracket string [[...]] without escape
// processing.
func (s *scanner) parseLongString() (Value, error) {
	end := strings.Index(s.src[s.pos+2:], "]]")
	if end == -1 {
		return Value{}, errAt(s.pos, "unterminated long string")
	}
	str := s.src[s.pos+2 : s.pos+2+end]
	s.pos += 2 + end + 2
	return StringValue(str), nil
}

// parseNumber parses integer, float, and hex literals. Literals containing
// '.' or an exponent become floats; 0x-prefixed literals are hex integers;
// everything else is a decimal integer.
func (s *scanner) parseNumber() (Value, error) {
	start := s.pos
	if s.peek() == '-' {
		s.pos++
	}
	if strings.HasPrefix(s.src[s.pos:], "0x") || strings.HasPrefix(s.src[s.pos:], "0X") {
		s.pos += 2
		digits := s.pos
		for !s.eof() && isHexDigit(s.peek()) {
			s.pos++
		}
		if s.pos == digits {
			return Value{}, errAt(start, "malformed hex literal")
		}
		text := s.src[start:s.pos]
		neg := strings.HasPrefix(text, "-")
		hex := strings.TrimPrefix(strings.TrimPrefix(text, "-"), "0x")
		hex = strings.TrimPrefix(hex, "0X")
		n, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return Value{}, errAt(start, "malformed hex literal %q", text)
		}
		v := int64(n)
		if neg {
			v = -v
		}
		return IntValue(v), nil
	}

	isFloat := false
	for !s.eof() {
		c := s.peek()
		switch {
		case c >= '0' && c <= '9':
			s.pos++
		case c == '.':
			isFloat = true
			s.pos++
		case c == 'e' || c == 'E':
			isFloat = true
			s.pos++
			if !s.eof() && (s.peek() == '+' || s.peek() == '-') {
				s.pos++
			}
		default:
			goto done
		}
	}
done:
	text := s.src[start:s.pos]
	if text == "" || text == "-" {
		return Value{}, errAt(start, "malformed number")
	}
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, errAt(start, "malformed number %q", text)
		}
		return FloatValue(f), nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Value{}, errAt(start, "malformed number %q", text)
	}
	return IntValue(n), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
