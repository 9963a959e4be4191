package config

import (
	"strings"

	"github.com/dshills/draftgraph/graph/model"
)

var offlineOutline = []string{"Overview", "Details", "Next steps"}

// Offline returns the model behind the mock provider. It plans a fixed
// three-section outline and drafts one placeholder paragraph per section, so
// contracts can be exercised end to end without credentials.
func Offline() *model.MockChatModel {
	return &model.MockChatModel{Reply: offlineReply}
}

func offlineReply(msgs []model.Message) (model.ChatOut, error) {
	if len(msgs) == 0 {
		return model.ChatOut{}, nil
	}
	prompt := msgs[len(msgs)-1].Content
	switch {
	case strings.HasPrefix(prompt, "Plan the outline"):
		var sb strings.Builder
		for _, title := range offlineOutline {
			sb.WriteString("- ")
			sb.WriteString(title)
			sb.WriteString("\n")
		}
		return model.ChatOut{Text: sb.String()}, nil
	case strings.Contains(prompt, `Write the section "`):
		title := prompt[strings.Index(prompt, `Write the section "`)+len(`Write the section "`):]
		if i := strings.Index(title, `"`); i != -1 {
			title = title[:i]
		}
		return model.ChatOut{Text: "Placeholder text for " + title + "."}, nil
	}
	return model.ChatOut{}, nil
}
