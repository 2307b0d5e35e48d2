package session

import "regexp"

var (
	thinkTagPattern    = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	htmlCommentPattern = regexp.MustCompile(`(?s)<!--(.*?)-->`)
)

// stripHostileContent pulls reasoning some providers embed inside the
// visible text field - <think>...</think> blocks and HTML-comment spans -
// out of text and into a separate reasoning string. Only complete spans
// are extracted; a tag left open mid-chunk passes through as ordinary text
// until its close arrives, since the stream never buffers across chunks
// for this check.
func stripHostileContent(text string) (visible string, reasoning string) {
	var reasoningParts []string

	extract := func(pattern *regexp.Regexp, s string) string {
		return pattern.ReplaceAllStringFunc(s, func(match string) string {
			if sub := pattern.FindStringSubmatch(match); len(sub) > 1 {
				reasoningParts = append(reasoningParts, sub[1])
			}
			return ""
		})
	}

	visible = extract(thinkTagPattern, text)
	visible = extract(htmlCommentPattern, visible)

	for _, r := range reasoningParts {
		reasoning += r
	}
	return visible, reasoning
}
