package codegen

import (
	"errors"
	"strings"
	"testing"
)

func TestStreamIndentsBlocks(t *testing.T) {
	t.Parallel()

	s := NewStream()
	s.Block("void f()", func() {
		s.Line("int x = 0;")
		s.Block("if(x == 0)", func() {
			s.Line("x++;")
		})
	})

	want := "void f() {\n    int x = 0;\n    if(x == 0) {\n        x++;\n    }\n}\n"
	if got := s.String(); got != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", got, want)
	}
}

func TestStreamScopeClosesOnError(t *testing.T) {
	t.Parallel()

	s := NewStream()
	boom := errors.New("boom")
	err := s.Scope("if(1)", func() error {
		s.Line("a;")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth = %d after Scope", s.Depth())
	}
	if !strings.HasSuffix(s.String(), "}\n") {
		t.Fatalf("scope not closed: %q", s.String())
	}
}

func TestSubstitutionsVarsAndParents(t *testing.T) {
	t.Parallel()

	root := NewSubstitutions(nil)
	root.AddVar("t", "t")
	root.AddVar("id", "id")
	child := NewSubstitutions(root)
	child.AddVar("id", "lid")

	got, err := child.Apply("x[$(id)] = $(t);")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "x[lid] = t;" {
		t.Fatalf("Apply = %q", got)
	}
	if v, _ := root.Var("id"); v != "id" {
		t.Fatalf("child leaked into parent: %q", v)
	}
}

func TestSubstitutionsFunctions(t *testing.T) {
	t.Parallel()

	subs := NewFunctionSubstitutions([]FunctionTemplate{
		{Name: "gennrand_uniform", Double: "curand_uniform_double($(rng))", Float: "curand_uniform($(rng))"},
		{Name: "gennrand_log_normal", NumArgs: 2, Double: "curand_log_normal_double($(rng), $(0), $(1))", Float: "curand_log_normal_float($(rng), $(0), $(1))"},
	}, "float")
	subs.AddVar("rng", "&initRNG")
	subs.AddVar("g", "dd_gSyn[s]")
	subs.AddFunc("addToInSyn", 1, "atomicAdd(&dd_inSynSyn[ipost], $(0))")

	cases := map[string]string{
		"$(gennrand_uniform)":              "curand_uniform(&initRNG)",
		"$(gennrand_log_normal, 0.0, 1.0)": "curand_log_normal_float(&initRNG, 0.0, 1.0)",
		"$(addToInSyn, $(g) * 2.0f);":      "atomicAdd(&dd_inSynSyn[ipost], dd_gSyn[s] * 2.0f);",
		"$(addToInSyn, fmax((a), b));":     "atomicAdd(&dd_inSynSyn[ipost], fmax((a), b));",
	}
	for in, want := range cases {
		got, err := subs.Apply(in)
		if err != nil {
			t.Fatalf("Apply(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Apply(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubstitutionsUnresolved(t *testing.T) {
	t.Parallel()

	subs := NewSubstitutions(nil)
	if _, err := subs.Apply("$(missing) + 1"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if _, err := subs.Apply("$(oops"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved for unbalanced input, got %v", err)
	}
}
