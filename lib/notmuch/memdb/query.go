package memdb

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// expr is a compiled search expression.
type expr func(m *Message) bool

type parser struct {
	tokens []string
	pos    int
	db     *DB
}

// compile parses the subset of the notmuch query syntax afew emits.
func (db *DB) compile(query string) (expr, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return func(*Message) bool { return true }, nil
	}
	p := &parser{tokens: tokens, db: db}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%q: unexpected %q", query, p.tokens[p.pos])
	}
	return e, nil
}

func tokenize(query string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	runes := []rune(query)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuote:
			cur.WriteRune(r)
			if r == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					cur.WriteRune('"')
					i++
				} else {
					inQuote = false
				}
			}
		case r == '"':
			inQuote = true
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%q: unterminated quote", query)
	}
	flush()
	return tokens, nil
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func isOp(tok, op string) bool {
	return strings.EqualFold(tok, op)
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for isOp(p.peek(), "OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(m *Message) bool { return l(m) || right(m) }
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case tok == "" || tok == ")" || isOp(tok, "OR"):
			return left, nil
		case isOp(tok, "AND"):
			p.pos++
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(m *Message) bool { return l(m) && right(m) }
	}
}

func (p *parser) parseUnary() (expr, error) {
	if isOp(p.peek(), "NOT") {
		p.pos++
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(m *Message) bool { return !e(m) }, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of query")
	case ")":
		return nil, fmt.Errorf("unexpected )")
	case "(":
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing )")
		}
		p.pos++
		return e, nil
	}
	p.pos++
	return p.db.term(tok)
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

func (db *DB) term(tok string) (expr, error) {
	if tok == "*" {
		return func(*Message) bool { return true }, nil
	}
	prefix, value, found := strings.Cut(tok, ":")
	if !found {
		word := strings.ToLower(unquote(tok))
		return func(m *Message) bool {
			return strings.Contains(strings.ToLower(m.header("Subject")), word)
		}, nil
	}
	value = unquote(value)
	switch prefix {
	case "id", "mid":
		return func(m *Message) bool { return m.MessageID == value }, nil
	case "thread":
		return func(m *Message) bool { return m.Thread == value }, nil
	case "tag", "is":
		return func(m *Message) bool { return m.hasTag(value) }, nil
	case "folder":
		return func(m *Message) bool {
			for _, f := range m.Files {
				if folder, ok := db.folderOf(f); ok && folder == value {
					return true
				}
			}
			return false
		}, nil
	case "path":
		return func(m *Message) bool {
			for _, f := range m.Files {
				rel, err := filepath.Rel(db.root, filepath.Dir(f))
				if err != nil {
					continue
				}
				if rel == value || strings.HasSuffix(value, "/**") &&
					strings.HasPrefix(rel+"/", strings.TrimSuffix(value, "**")) {
					return true
				}
			}
			return false
		}, nil
	case "from":
		return addressTerm(value, "From"), nil
	case "to":
		return addressTerm(value, "To", "Cc"), nil
	case "subject":
		value = strings.ToLower(value)
		return func(m *Message) bool {
			return strings.Contains(strings.ToLower(m.header("Subject")), value)
		}, nil
	case "date":
		return dateTerm(value)
	}
	return nil, fmt.Errorf("%s: unsupported query prefix", prefix)
}

func addressTerm(value string, headers ...string) expr {
	value = strings.ToLower(value)
	return func(m *Message) bool {
		for _, h := range headers {
			if strings.Contains(strings.ToLower(m.header(h)), value) {
				return true
			}
		}
		return false
	}
}

func dateTerm(value string) (expr, error) {
	from, to, found := strings.Cut(value, "..")
	if !found {
		to = from
	}
	parse := func(s string, def int64) (int64, error) {
		if s == "" {
			return def, nil
		}
		if !strings.HasPrefix(s, "@") {
			return 0, fmt.Errorf("date:%s: only @timestamp ranges are supported", value)
		}
		return strconv.ParseInt(s[1:], 10, 64)
	}
	start, err := parse(from, -1<<62)
	if err != nil {
		return nil, err
	}
	end, err := parse(to, 1<<62)
	if err != nil {
		return nil, err
	}
	return func(m *Message) bool {
		ts := m.Time.Unix()
		return ts >= start && ts <= end
	}, nil
}
