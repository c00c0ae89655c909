package generator

import (
	"context"
	"hash/fnv"
	"strings"
)

var defaultStaticTemplates = []string{
	"I came across your profile and liked what you shared. Would be glad to connect and swap notes, [Recipient Name].",
	"Your background caught my eye. I'm always keen to meet people working on interesting things, happy to connect.",
}

// Static picks one of a fixed set of templates. The choice is stable for
// a given profile summary.
type Static struct {
	templates []string
}

// NewStatic creates a static generator. Empty input falls back to the
// built-in templates.
func NewStatic(templates []string) *Static {
	var filtered []string
	for _, t := range templates {
		if strings.TrimSpace(t) != "" {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		filtered = defaultStaticTemplates
	}
	return &Static{templates: filtered}
}

// Generate implements Generator
func (s *Static) Generate(ctx context.Context, summary, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", upstreamError("generation canceled", err)
	}
	h := fnv.New32a()
	h.Write([]byte(summary))
	return s.templates[int(h.Sum32()%uint32(len(s.templates)))], nil
}
