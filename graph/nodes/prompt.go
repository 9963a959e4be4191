package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/model"
)

const systemPrompt = "You are a technical writer producing long-form documents section by section."

func planPrompt(brief string, maxSections int) []model.Message {
	var sb strings.Builder
	sb.WriteString("Plan the outline of a document for this brief:\n\n")
	sb.WriteString(brief)
	sb.WriteString("\n\nReturn ONLY a JSON array of at most ")
	sb.WriteString(strconv.Itoa(maxSections))
	sb.WriteString(` sections, each {"key": "short_snake_case_id", "title": "Section title", "notes": "what it covers"}.`)
	return []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: sb.String()},
	}
}

func draftPrompt(brief string, outline []graph.SectionPlan, plan graph.SectionPlan) []model.Message {
	var sb strings.Builder
	sb.WriteString("Document brief:\n")
	sb.WriteString(brief)
	sb.WriteString("\n\nOutline:\n")
	for _, p := range outline {
		sb.WriteString("- ")
		sb.WriteString(p.Title)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite the section \"")
	sb.WriteString(plan.Title)
	sb.WriteString("\" in Markdown, without its heading.")
	if plan.Notes != "" {
		sb.WriteString(" It should cover: ")
		sb.WriteString(plan.Notes)
	}
	return []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: sb.String()},
	}
}

func repairPrompt(document string, findings []graph.Finding) []model.Message {
	var sb strings.Builder
	sb.WriteString("Fix only these formatting problems in the Markdown document below. Do not change its wording.\n\n")
	for _, f := range findings {
		if f.Kind != graph.FindingFormat {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(f.Message)
		sb.WriteString("\n")
	}
	sb.WriteString("\nReturn ONLY the corrected document.\n\n")
	sb.WriteString(document)
	return []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: sb.String()},
	}
}

var (
	listItem = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+(.+)$`)
	nonSlug  = regexp.MustCompile(`[^a-z0-9]+`)
)

// parseOutline reads the model's outline: a JSON array, possibly wrapped in
// prose or a code fence, or else a Markdown list. Keys are slugged and made
// unique.
func parseOutline(text string, maxSections int) ([]graph.SectionPlan, error) {
	var raw []graph.SectionPlan
	if err := json.Unmarshal([]byte(strings.TrimSpace(stripFence(text))), &raw); err != nil {
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start == -1 || end <= start || json.Unmarshal([]byte(text[start:end+1]), &raw) != nil {
			raw = nil
			for _, line := range strings.Split(text, "\n") {
				if m := listItem.FindStringSubmatch(line); m != nil {
					raw = append(raw, graph.SectionPlan{Title: strings.TrimSpace(m[1])})
				}
			}
		}
	}

	seen := make(map[string]int)
	outline := make([]graph.SectionPlan, 0, len(raw))
	for _, p := range raw {
		p.Title = strings.TrimSpace(p.Title)
		if p.Title == "" {
			continue
		}
		key := slug(p.Key)
		if key == "" {
			key = slug(p.Title)
		}
		if key == "" {
			key = "section"
		}
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s_%d", key, n)
		}
		p.Key = key
		outline = append(outline, p)
		if len(outline) == maxSections {
			break
		}
	}
	if len(outline) == 0 {
		return nil, errors.New("no sections in model outline")
	}
	return outline, nil
}

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// stripFence removes a Markdown code fence wrapping the whole text.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	if i := strings.Index(t, "\n"); i != -1 {
		t = t[i+1:]
	} else {
		return text
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}

// stripHeading drops a leading Markdown heading the model added despite the
// prompt; aggregate writes headings itself.
func stripHeading(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "#") {
		if i := strings.Index(t, "\n"); i != -1 {
			return strings.TrimSpace(t[i+1:])
		}
		return ""
	}
	return t
}
