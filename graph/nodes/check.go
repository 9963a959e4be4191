package nodes

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/draftgraph/graph"
)

// Content finding kinds. Format findings use graph.FindingFormat.
const (
	FindingMissing = "missing"
	FindingEmpty   = "empty"
)

var blankRun = regexp.MustCompile(`\n{4,}`)

// check returns the structural findings of a payload: content findings per
// outline entry, then format findings over the document.
func check(p graph.Payload) []graph.Finding {
	var findings []graph.Finding
	for _, plan := range p.Outline {
		sec, ok := p.Sections[plan.Key]
		switch {
		case !ok || sec.Status == graph.SectionPending:
			findings = append(findings, graph.Finding{Section: plan.Key, Kind: FindingMissing, Message: fmt.Sprintf("section %q was not drafted", plan.Title)})
		case sec.Status == graph.SectionError:
			findings = append(findings, graph.Finding{Section: plan.Key, Kind: FindingMissing, Message: fmt.Sprintf("section %q failed: %s", plan.Title, sec.Error)})
		case strings.TrimSpace(sec.Draft) == "":
			findings = append(findings, graph.Finding{Section: plan.Key, Kind: FindingEmpty, Message: fmt.Sprintf("section %q is empty", plan.Title)})
		case !strings.Contains(p.Document, "## "+plan.Title+"\n"):
			findings = append(findings, graph.Finding{Section: plan.Key, Kind: graph.FindingFormat, Message: fmt.Sprintf("heading for %q is missing", plan.Title)})
		}
	}

	if strings.TrimSpace(p.Document) == "" {
		return append(findings, graph.Finding{Kind: FindingEmpty, Message: "document is empty"})
	}

	trailing := 0
	for _, line := range strings.Split(p.Document, "\n") {
		if line != strings.TrimRight(line, " \t") {
			trailing++
		}
	}
	if trailing > 0 {
		findings = append(findings, graph.Finding{Kind: graph.FindingFormat, Message: fmt.Sprintf("%d lines have trailing whitespace", trailing)})
	}
	if blankRun.MatchString(p.Document) {
		findings = append(findings, graph.Finding{Kind: graph.FindingFormat, Message: "more than two consecutive blank lines"})
	}
	if strings.Count(p.Document, "```")%2 != 0 {
		findings = append(findings, graph.Finding{Kind: graph.FindingFormat, Message: "unbalanced code fence"})
	}
	if !strings.HasSuffix(p.Document, "\n") {
		findings = append(findings, graph.Finding{Kind: graph.FindingFormat, Message: "document does not end with a newline"})
	}
	return findings
}

// normalize fixes the whitespace findings check reports.
func normalize(doc string) string {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	doc = blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n\n")
	if strings.Count(doc, "```")%2 != 0 {
		doc = strings.TrimRight(doc, "\n") + "\n```"
	}
	return strings.TrimRight(doc, "\n") + "\n"
}
