package generator

import (
	"fmt"
	"strings"
)

const defaultPrompt = `You write short, friendly first-contact messages to professionals.

Rules:
- 2 to 4 sentences, under 600 characters
- Mention one concrete detail from the profile below
- No subject line, no signature, no placeholders
- Plain text only

Profile:
%s

Message:`

type promptBuilder struct {
	template string
}

func newPromptBuilder(template string) promptBuilder {
	if !strings.Contains(template, "%s") {
		template = defaultPrompt
	}
	return promptBuilder{template: template}
}

func (p promptBuilder) build(summary string) string {
	return fmt.Sprintf(p.template, strings.TrimSpace(summary))
}
