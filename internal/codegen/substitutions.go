package codegen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnresolved = errors.New("unresolved substitution")

const maxExpansionDepth = 32

// FunctionTemplate is a $(name, args...) substitution with separate bodies
// for double and single precision models. Arguments are referenced in the
// bodies as $(0), $(1), ...
type FunctionTemplate struct {
	Name    string
	NumArgs int
	Double  string
	Float   string
}

type funcSub struct {
	numArgs int
	body    string
}

// Substitutions maps $(name) and $(name, args...) references in code
// fragments to concrete expressions. Lookups fall back to the parent so
// nested scopes only record what they change.
type Substitutions struct {
	parent *Substitutions
	vars   map[string]string
	funcs  map[string]funcSub
}

func NewSubstitutions(parent *Substitutions) *Substitutions {
	return &Substitutions{
		parent: parent,
		vars:   make(map[string]string),
		funcs:  make(map[string]funcSub),
	}
}

// NewFunctionSubstitutions builds a root scope from function templates,
// picking the body that matches precision.
func NewFunctionSubstitutions(templates []FunctionTemplate, precision string) *Substitutions {
	s := NewSubstitutions(nil)
	for _, t := range templates {
		body := t.Float
		if precision == "double" {
			body = t.Double
		}
		s.AddFunc(t.Name, t.NumArgs, body)
	}
	return s
}

func (s *Substitutions) AddVar(name, value string) {
	s.vars[name] = value
}

func (s *Substitutions) AddFunc(name string, numArgs int, body string) {
	s.funcs[name] = funcSub{numArgs: numArgs, body: body}
}

// Var returns the substitution for name, searching parents.
func (s *Substitutions) Var(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return "", false
}

// MustVar is Var for names the caller itself registered.
func (s *Substitutions) MustVar(name string) string {
	v, ok := s.Var(name)
	if !ok {
		panic(fmt.Sprintf("codegen: substitution %q not registered", name))
	}
	return v
}

func (s *Substitutions) HasVar(name string) bool {
	_, ok := s.Var(name)
	return ok
}

func (s *Substitutions) function(name string) (funcSub, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if f, ok := cur.funcs[name]; ok {
			return f, true
		}
	}
	return funcSub{}, false
}

// Apply expands every reference in code. Expansions are themselves expanded
// so function bodies can refer to variables such as $(rng). Any reference
// left over is reported as ErrUnresolved.
func (s *Substitutions) Apply(code string) (string, error) {
	for range maxExpansionDepth {
		out, changed, err := s.expandOnce(code)
		if err != nil {
			return "", err
		}
		if !changed {
			return out, nil
		}
		code = out
	}
	return "", fmt.Errorf("%w: expansion did not terminate", ErrUnresolved)
}

func (s *Substitutions) expandOnce(code string) (string, bool, error) {
	var b strings.Builder
	changed := false
	for {
		start := strings.Index(code, "$(")
		if start < 0 {
			b.WriteString(code)
			return b.String(), changed, nil
		}
		b.WriteString(code[:start])
		end, ok := matchParen(code, start+1)
		if !ok {
			return "", false, fmt.Errorf("%w: unbalanced parentheses in %q", ErrUnresolved, code[start:])
		}
		inner := code[start+2 : end]
		name, args := splitArgs(inner)

		if repl, ok := s.resolve(name, args); ok {
			b.WriteString(repl)
			changed = true
		} else if _, err := strconv.Atoi(name); err == nil && len(args) == 0 {
			// positional placeholder belonging to an enclosing function body
			b.WriteString(code[start : end+1])
		} else {
			return "", false, fmt.Errorf("%w: $(%s)", ErrUnresolved, inner)
		}
		code = code[end+1:]
	}
}

func (s *Substitutions) resolve(name string, args []string) (string, bool) {
	if f, ok := s.function(name); ok && f.numArgs == len(args) {
		body := f.body
		for i := len(args) - 1; i >= 0; i-- {
			body = strings.ReplaceAll(body, "$("+strconv.Itoa(i)+")", args[i])
		}
		return body, true
	}
	if len(args) == 0 {
		if v, ok := s.Var(name); ok {
			return v, true
		}
	}
	return "", false
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(code string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(code); i++ {
		switch code[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// splitArgs splits "name, a, f(b, c)" into name and top-level arguments.
func splitArgs(inner string) (string, []string) {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(inner[last:i]))
				last = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(inner[last:]))
	return parts[0], parts[1:]
}
