package dialog

import (
	"regexp"
	"strings"
)

// Batch splitting is deterministic by design: an LLM must never decide how
// many tasks the boss asked for.

var (
	preamblePattern = regexp.MustCompile(`(?i)^tasks?\s+for\s+([A-Z][a-z]+)\s*[:,]?\s*`)
	numberedPattern = regexp.MustCompile(`(?m)(?:^|\s)\d+[\.\)]\s+`)
	ordinalPattern  = regexp.MustCompile(`(?i)\b(first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth)[,:]?\s+`)
)

var separatorMarkers = []string{", then ", " then ", ", and also ", " and also ", "; "}

// SplitBatch breaks one message into task fragments. Returns the shared
// assignee from a "Tasks for <name>" preamble (or "") and the fragments in
// original order. A message with no batch markers returns itself as the
// single fragment.
func SplitBatch(msg string) (sharedAssignee string, fragments []string) {
	rest := strings.TrimSpace(msg)

	if m := preamblePattern.FindStringSubmatch(rest); m != nil {
		sharedAssignee = m[1]
		rest = strings.TrimSpace(rest[len(m[0]):])
	}

	if frags := splitNumbered(rest); len(frags) > 1 {
		return sharedAssignee, frags
	}
	if frags := splitOrdinals(rest); len(frags) > 1 {
		return sharedAssignee, frags
	}
	if frags := splitSeparators(rest); len(frags) > 1 {
		return sharedAssignee, frags
	}
	return sharedAssignee, []string{rest}
}

// splitNumbered handles "1. foo\n2. bar" and "1) foo 2) bar" lists.
func splitNumbered(msg string) []string {
	locs := numberedPattern.FindAllStringIndex(msg, -1)
	if len(locs) < 2 {
		return nil
	}
	var out []string
	for i, loc := range locs {
		end := len(msg)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		frag := strings.TrimSpace(msg[loc[1]:end])
		if frag != "" {
			out = append(out, frag)
		}
	}
	return out
}

// splitOrdinals handles "first ..., second ..., third ...".
func splitOrdinals(msg string) []string {
	locs := ordinalPattern.FindAllStringIndex(msg, -1)
	if len(locs) < 2 {
		return nil
	}
	var out []string
	for i, loc := range locs {
		end := len(msg)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		frag := strings.TrimSpace(strings.TrimRight(msg[loc[1]:end], " ,;."))
		if frag != "" {
			out = append(out, frag)
		}
	}
	return out
}

// splitSeparators handles "fix X, then do Y and also Z".
func splitSeparators(msg string) []string {
	parts := []string{msg}
	for _, sep := range separatorMarkers {
		var next []string
		for _, p := range parts {
			for _, piece := range strings.Split(p, sep) {
				piece = strings.TrimSpace(piece)
				if piece != "" {
					next = append(next, piece)
				}
			}
		}
		parts = next
	}
	if len(parts) < 2 {
		return nil
	}
	return parts
}
