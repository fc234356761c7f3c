package rtest

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The test interpreter understands a tiny R subset: string and numeric
// literals, identifiers, assignment with <- or =, function calls, and
// parenthesized expressions. Syntax errors are reported in R's own format so
// callers exercise their real error parsing.

type tokKind int

const (
	tkEOF tokKind = iota
	tkNewline
	tkSemi
	tkString
	tkNum
	tkIdent
	tkAssign
	tkEquals
	tkLParen
	tkRParen
	tkComma
	tkInvalid
	tkIncomplete
)

type token struct {
	kind tokKind
	text string
	line int
	col  int
}

func (t token) describe() string {
	switch t.kind {
	case tkEOF:
		return "end of input"
	case tkIdent:
		return "symbol"
	case tkString:
		return "string constant"
	case tkNum:
		return "numeric constant"
	case tkAssign:
		return "assignment"
	case tkInvalid:
		return "input"
	case tkIncomplete:
		return "INCOMPLETE_STRING"
	case tkNewline:
		return "newline"
	default:
		return "'" + t.text + "'"
	}
}

func tokenize(src string) []token {
	var toks []token
	runes := []rune(src)
	line, col := 1, 1
	i := 0
	advance := func() {
		if runes[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i++
	}
	for i < len(runes) {
		r := runes[i]
		startLine, startCol := line, col
		switch {
		case r == ' ' || r == '\t':
			advance()
		case r == '#':
			for i < len(runes) && runes[i] != '\n' {
				advance()
			}
		case r == '\n':
			toks = append(toks, token{kind: tkNewline, text: "\n", line: startLine, col: startCol})
			advance()
		case r == ';':
			toks = append(toks, token{kind: tkSemi, text: ";", line: startLine, col: startCol})
			advance()
		case r == '(':
			toks = append(toks, token{kind: tkLParen, text: "(", line: startLine, col: startCol})
			advance()
		case r == ')':
			toks = append(toks, token{kind: tkRParen, text: ")", line: startLine, col: startCol})
			advance()
		case r == ',':
			toks = append(toks, token{kind: tkComma, text: ",", line: startLine, col: startCol})
			advance()
		case r == '=':
			toks = append(toks, token{kind: tkEquals, text: "=", line: startLine, col: startCol})
			advance()
		case r == '<' && i+1 < len(runes) && runes[i+1] == '-':
			toks = append(toks, token{kind: tkAssign, text: "<-", line: startLine, col: startCol})
			advance()
			advance()
		case r == '"' || r == '\'':
			quote := r
			advance()
			var b strings.Builder
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == quote {
					advance()
					closed = true
					break
				}
				if c == '\\' && i+1 < len(runes) {
					advance()
					switch runes[i] {
					case 'n':
						b.WriteRune('\n')
					case 't':
						b.WriteRune('\t')
					default:
						b.WriteRune(runes[i])
					}
					advance()
					continue
				}
				b.WriteRune(c)
				advance()
			}
			if !closed {
				toks = append(toks, token{kind: tkIncomplete, line: startLine, col: startCol})
				return append(toks, token{kind: tkEOF, line: line + 1, col: 0})
			}
			toks = append(toks, token{kind: tkString, text: b.String(), line: startLine, col: startCol})
		case r >= '0' && r <= '9':
			var b strings.Builder
			for i < len(runes) && (runes[i] >= '0' && runes[i] <= '9' || runes[i] == '.') {
				b.WriteRune(runes[i])
				advance()
			}
			if i < len(runes) && runes[i] == 'L' {
				advance()
			}
			toks = append(toks, token{kind: tkNum, text: b.String(), line: startLine, col: startCol})
		case r == '.' || unicode.IsLetter(r):
			var b strings.Builder
			for i < len(runes) && (runes[i] == '.' || runes[i] == '_' || unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) {
				b.WriteRune(runes[i])
				advance()
			}
			toks = append(toks, token{kind: tkIdent, text: b.String(), line: startLine, col: startCol})
		default:
			toks = append(toks, token{kind: tkInvalid, text: string(r), line: startLine, col: startCol})
			advance()
		}
	}
	return append(toks, token{kind: tkEOF, line: line + 1, col: 0})
}

type node interface{}

type strLit struct{ v string }

type numLit struct{ v string }

type symbol struct{ name string }

type callFn struct {
	fn   string
	args []node
}

type assignTo struct {
	name  string
	value node
}

type parser struct {
	toks  []token
	pos   int
	lines []string
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) skipNewlines() {
	for p.peek().kind == tkNewline {
		p.next()
	}
}

// syntaxError formats like R's parse(): "<text>:L:C: unexpected X" followed
// by the offending source line.
type syntaxError struct {
	msg string
}

func (e *syntaxError) Error() string { return e.msg }

func (p *parser) unexpected(t token) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<text>:%d:%d: unexpected %s", t.line, t.col, t.describe())
	if t.line >= 1 && t.line <= len(p.lines) {
		fmt.Fprintf(&b, "\n%d: %s", t.line, p.lines[t.line-1])
		prefix := len(strconv.Itoa(t.line)) + 2
		if t.col > 0 {
			fmt.Fprintf(&b, "\n%s^", strings.Repeat(" ", prefix+t.col-1))
		}
	}
	return &syntaxError{msg: b.String()}
}

func parseProgram(src string) ([]node, error) {
	p := &parser{toks: tokenize(src), lines: strings.Split(src, "\n")}
	var prog []node
	for {
		for k := p.peek().kind; k == tkNewline || k == tkSemi; k = p.peek().kind {
			p.next()
		}
		if p.peek().kind == tkEOF {
			return prog, nil
		}
		n, err := p.statement()
		if err != nil {
			return nil, err
		}
		prog = append(prog, n)
		switch t := p.peek(); t.kind {
		case tkNewline, tkSemi, tkEOF:
		default:
			return nil, p.unexpected(t)
		}
	}
}

func (p *parser) statement() (node, error) {
	if p.peek().kind == tkIdent {
		following := p.toks[p.pos+1]
		if following.kind == tkAssign || following.kind == tkEquals {
			name := p.next().text
			p.next()
			p.skipNewlines()
			v, err := p.expr()
			if err != nil {
				return nil, err
			}
			return assignTo{name: name, value: v}, nil
		}
	}
	return p.expr()
}

func (p *parser) expr() (node, error) {
	t := p.next()
	switch t.kind {
	case tkString:
		return strLit{v: t.text}, nil
	case tkNum:
		return numLit{v: t.text}, nil
	case tkLParen:
		p.skipNewlines()
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		p.skipNewlines()
		if c := p.next(); c.kind != tkRParen {
			return nil, p.unexpected(c)
		}
		return inner, nil
	case tkIdent:
		if p.peek().kind != tkLParen {
			return symbol{name: t.text}, nil
		}
		p.next()
		c := callFn{fn: t.text}
		p.skipNewlines()
		if p.peek().kind == tkRParen {
			p.next()
			return c, nil
		}
		for {
			p.skipNewlines()
			// Named arguments are accepted and their names ignored.
			if p.peek().kind == tkIdent && p.toks[p.pos+1].kind == tkEquals {
				p.next()
				p.next()
				p.skipNewlines()
			}
			arg, err := p.expr()
			if err != nil {
				return nil, err
			}
			c.args = append(c.args, arg)
			p.skipNewlines()
			switch sep := p.next(); sep.kind {
			case tkComma:
				continue
			case tkRParen:
				return c, nil
			default:
				return nil, p.unexpected(sep)
			}
		}
	default:
		return nil, p.unexpected(t)
	}
}
