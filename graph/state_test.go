package graph

import (
	"errors"
	"strings"
	"testing"
)

func TestDigest_Deterministic(t *testing.T) {
	build := func() TypedState {
		s := NewState("s1", "r1", Payload{Brief: "quarterly report"})
		s.Payload.Sections = map[string]Section{}
		for _, k := range []string{"zeta", "alpha", "mid"} {
			s.Payload.Sections[k] = Section{Key: k, Status: SectionOK}
		}
		return s
	}

	first, err := Digest(build())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if got, _ := Digest(build()); got != first {
			t.Fatalf("digest changed: %s vs %s", got, first)
		}
	}
	if !strings.HasPrefix(first, "sha256:") {
		t.Errorf("digest %q lacks algorithm prefix", first)
	}

	changed := build()
	changed.Payload.Brief = "annual report"
	if got, _ := Digest(changed); got == first {
		t.Error("different states produced the same digest")
	}
}

func TestDeepCopy_Isolation(t *testing.T) {
	orig := NewState("s1", "r1", Payload{
		Outline:  []SectionPlan{{Key: "a"}},
		Sections: map[string]Section{"a": {Key: "a", Draft: "original"}},
	})
	orig.Attempts = map[string]int{"repair": 1}

	cp, err := deepCopy(orig)
	if err != nil {
		t.Fatal(err)
	}
	cp.Payload.Sections["a"] = Section{Key: "a", Draft: "changed"}
	cp.Payload.Outline[0].Key = "z"
	cp.Attempts["repair"] = 5

	if orig.Payload.Sections["a"].Draft != "original" || orig.Payload.Outline[0].Key != "a" || orig.Attempts["repair"] != 1 {
		t.Error("mutating the copy changed the original")
	}
}

func TestUnitKeys(t *testing.T) {
	if got := UnitKey("intro"); got != "section:intro" {
		t.Errorf("UnitKey = %q", got)
	}
	if key, ok := SectionKeyOf("section:intro"); !ok || key != "intro" {
		t.Errorf("SectionKeyOf = %q, %v", key, ok)
	}
	if _, ok := SectionKeyOf(MainUnit); ok {
		t.Error("main unit is not a section unit")
	}
}

func TestFailedSections(t *testing.T) {
	s := NewState("s1", "r1", Payload{Sections: map[string]Section{
		"c": {Status: SectionError},
		"a": {Status: SectionError},
		"b": {Status: SectionOK},
	}})
	got := s.FailedSections()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("FailedSections = %v, want [a c]", got)
	}
}

func TestCheckSchema(t *testing.T) {
	if err := checkSchema(NewState("s1", "r1", Payload{})); err != nil {
		t.Errorf("current schema rejected: %v", err)
	}
	old := NewState("s1", "r1", Payload{})
	old.SchemaVersion = 0
	var sv *SchemaVersionMismatch
	if err := checkSchema(old); !errors.As(err, &sv) || sv.Expected != CurrentSchemaVersion {
		t.Errorf("err = %v, want SchemaVersionMismatch", err)
	}
}

func TestCheckOwnedFields(t *testing.T) {
	in := NewState("s1", "r1", Payload{})
	in.Cursor = Cursor{Node: "draft", Unit: "section:a", Step: 2}

	out := in
	out.Payload.Document = "handlers own the payload"
	if err := checkOwnedFields(in, out); err != nil {
		t.Errorf("payload change rejected: %v", err)
	}

	for name, mutate := range map[string]func(*TypedState){
		"cursor":  func(s *TypedState) { s.Cursor.Unit = "section:b" },
		"run id":  func(s *TypedState) { s.RunID = "r2" },
		"version": func(s *TypedState) { s.SchemaVersion = 2 },
	} {
		out := in
		mutate(&out)
		if err := checkOwnedFields(in, out); err == nil {
			t.Errorf("%s change accepted", name)
		}
	}
}
