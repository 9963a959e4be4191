package graph

import (
	"reflect"
	"testing"

	"github.com/dshills/draftgraph/graph/emit"
)

func TestForwardNodes(t *testing.T) {
	got := forwardNodes(draftContract())
	want := map[string]bool{"plan": true, "draft": true, "aggregate": true, "validate": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("forwardNodes = %v, want %v (repair is only reached by a retry loop)", got, want)
	}
}

func TestProgressTracker(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	p := newProgressTracker("r1", draftContract(), 0, buf)

	p.commit("plan", "", "")
	p.expand("draft", 3)
	p.commit("draft", "section:intro", "Intro")
	p.commit("draft", "section:body", "Body")
	p.commit("draft", "section:outro", "Outro")
	p.commit("draft", "", "")
	p.commit("aggregate", "", "")
	p.commit("validate", "", "")
	p.commit("repair", "", "")
	p.commit("validate", "", "")

	got := buf.GetProgress("r1")
	var percents []int
	for _, n := range got {
		percents = append(percents, n.Percent)
	}
	// 4 forward nodes plus 3 units; repair joins the plan when it runs.
	want := []int{25, 28, 42, 57, 71, 85, 99, 99, 99}
	if !reflect.DeepEqual(percents, want) {
		t.Errorf("percents = %v, want %v", percents, want)
	}
	if got[1].SectionLabel != "Intro" {
		t.Errorf("label = %q, want Intro", got[1].SectionLabel)
	}

	p.finish("validate")
	if last := buf.GetProgress("r1"); last[len(last)-1].Percent != 100 {
		t.Errorf("finish = %d%%, want 100", last[len(last)-1].Percent)
	}
}

func TestProgressTracker_ExpandOnce(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	p := newProgressTracker("r1", draftContract(), 0, buf)
	p.expand("draft", 2)
	p.expand("draft", 2)
	p.commit("plan", "", "")
	if got := buf.GetProgress("r1")[0].Percent; got != 16 {
		t.Errorf("progress = %d%%, want 16 (1 of 6)", got)
	}
}

func TestProgressTracker_Resume(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	p := newProgressTracker("r1", draftContract(), 2, buf)
	p.commit("aggregate", "", "")
	if got := buf.GetProgress("r1")[0].Percent; got != 75 {
		t.Errorf("resumed progress = %d%%, want 75", got)
	}
}
