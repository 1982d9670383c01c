// Package segment splits raw prose into bounded-length chunks ready
// for speech synthesis.
package segment

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// sentenceRe matches a run of non-terminal characters followed by one
// or more terminal marks. Ellipsis counts as terminal. A final
// catch-all picks up trailing text without terminal punctuation.
var sentenceRe = regexp.MustCompile(`[^.!?…]+[.!?…]+|[^.!?…]+`)

// Split segments text into ordered chunks of at most limit characters.
// The only permitted overflow is a single whitespace-delimited word
// longer than the limit, which is emitted as-is. Empty input yields
// nil; blank chunks are never emitted.
func Split(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []string
	for _, sentence := range sentences(text) {
		if runeLen(sentence) <= limit {
			pieces = append(pieces, sentence)
			continue
		}
		pieces = append(pieces, softWrap(sentence, limit)...)
	}

	return pack(pieces, limit)
}

// sentences splits on terminal punctuation, trimming surrounding
// whitespace and dropping empty matches.
func sentences(text string) []string {
	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// softWrap splits an over-limit sentence on whitespace, greedily
// packing words. A solitary word longer than the limit is an
// unavoidable overflow and is emitted unchanged.
func softWrap(sentence string, limit int) []string {
	var out []string
	var buf strings.Builder
	for _, word := range strings.Fields(sentence) {
		if buf.Len() == 0 {
			buf.WriteString(word)
			continue
		}
		if runeLen(buf.String())+1+runeLen(word) > limit {
			out = append(out, buf.String())
			buf.Reset()
			buf.WriteString(word)
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(word)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

// pack greedily accumulates wrapped pieces, crossing sentence
// boundaries, flushing whenever appending the next piece with a
// joining space would exceed the limit.
func pack(pieces []string, limit int) []string {
	var out []string
	var buf strings.Builder
	for _, piece := range pieces {
		if buf.Len() == 0 {
			buf.WriteString(piece)
			continue
		}
		if runeLen(buf.String())+1+runeLen(piece) > limit {
			out = append(out, buf.String())
			buf.Reset()
			buf.WriteString(piece)
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(piece)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
