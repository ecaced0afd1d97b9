package domain

import "regexp"

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions scans comment text for @name references and returns
// the mentioned names in order of first appearance, deduplicated. The
// list is best-effort; recipients are not validated.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}
	return mentions
}
