package segment

import (
	"regexp"
	"strings"
)

// Heading detection for the chaptered-input path. Strong signals are
// explicit headings; weak signals (scene breaks, date lines) only
// count when adjacent to a blank line.
var (
	strongHeadingRe = regexp.MustCompile(`(?i)^\s*(chapter|part)\s+(\d+|[ivxlcdm]+)\s*([-–—:]\s*\S.*)?$`)
	prologueRe      = regexp.MustCompile(`(?i)^\s*(prologue|epilogue)\s*([-–—:]\s*\S.*)?$`)
	outlineRe       = regexp.MustCompile(`^\s*\d+(\.\d+)*[.)]\s+\S.*$`)
	sceneBreakRe    = regexp.MustCompile(`^(\*{3,}|-{3,}|#{3,}|(\*\s+){2,}\*)$`)
	dateLineRe      = regexp.MustCompile(`^\s*(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|(January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4})\s*$`)
)

// boundary marks where a new section begins. cut is the first line of
// the section (snapped to the nearest blank line within 2 lines);
// heading indexes the title line, -1 for pure scene breaks.
type boundary struct {
	cut     int
	heading int
}

// SplitChapters segments text that carries chapter structure: each
// detected section becomes one title chunk (omitted for pure scene
// breaks) followed by its body split through Split. Text without any
// detected structure falls back to plain Split.
func SplitChapters(text string, limit int) []string {
	lines := strings.Split(text, "\n")
	bounds := detectBoundaries(lines)
	if len(bounds) == 0 {
		return Split(text, limit)
	}

	var out []string
	emitBody := func(body []string) {
		out = append(out, Split(strings.Join(body, "\n"), limit)...)
	}

	// Preamble before the first boundary carries no title.
	if bounds[0].cut > 0 {
		emitBody(lines[:bounds[0].cut])
	}
	for i, b := range bounds {
		end := len(lines)
		if i+1 < len(bounds) {
			end = bounds[i+1].cut
		}
		bodyStart := b.cut
		if b.heading >= 0 {
			if title := strings.TrimSpace(lines[b.heading]); title != "" {
				out = append(out, title)
			}
			bodyStart = b.heading + 1
		} else {
			// Scene break: skip the marker line itself.
			bodyStart = b.cut + 1
		}
		if bodyStart > end {
			bodyStart = end
		}
		emitBody(lines[bodyStart:end])
	}
	return out
}

func detectBoundaries(lines []string) []boundary {
	var bounds []boundary
	lastCut := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		var b boundary
		switch {
		case strongHeadingRe.MatchString(line), prologueRe.MatchString(line), outlineRe.MatchString(line):
			b = boundary{cut: snapToBlank(lines, i), heading: i}
		case sceneBreakRe.MatchString(trimmed), dateLineRe.MatchString(line):
			// Weak signals need a blank neighbor to count as structure.
			if !blankAdjacent(lines, i) {
				continue
			}
			b = boundary{cut: i, heading: -1}
			if dateLineRe.MatchString(line) {
				// A date line titles its section.
				b.heading = i
				b.cut = snapToBlank(lines, i)
			}
		default:
			continue
		}
		// Snapping can land two detections on the same cut; keep the first.
		if b.cut == lastCut {
			continue
		}
		lastCut = b.cut
		bounds = append(bounds, b)
	}
	return bounds
}

func blankAdjacent(lines []string, i int) bool {
	if i > 0 && strings.TrimSpace(lines[i-1]) == "" {
		return true
	}
	if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == "" {
		return true
	}
	return false
}

// snapToBlank returns the section start implied by a heading at line
// i: the line just after the nearest preceding blank line within two
// lines, or the heading line itself.
func snapToBlank(lines []string, i int) int {
	for _, off := range []int{-1, -2} {
		j := i + off
		if j < 0 {
			continue
		}
		if strings.TrimSpace(lines[j]) == "" {
			return j + 1
		}
	}
	return i
}
