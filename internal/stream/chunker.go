package stream

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Platform chunk budgets: hard limit minus a safety margin.
const (
	TelegramChunkLimit = 4096 - 100
	DiscordChunkLimit  = 2000 - 100
)

// Chunk splits a finished reply into ordered pieces each within budget.
// Code fences are never left unbalanced: an oversized fenced region is
// re-wrapped into multiple fences of the same language, split only on
// newline boundaries.
func Chunk(text string, budget int) []string {
	if budget <= 0 {
		budget = TelegramChunkLimit
	}
	if width(text) <= budget {
		return []string{text}
	}

	var atoms []string
	for _, seg := range parseSegments(text) {
		if seg.fenced {
			atoms = append(atoms, fenceAtoms(seg, budget)...)
		} else {
			atoms = append(atoms, splitPlain(seg.text, budget)...)
		}
	}

	// Greedy packing of atoms, joined by blank lines.
	var chunks []string
	var cur strings.Builder
	curW := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(cur.String()))
			cur.Reset()
			curW = 0
		}
	}
	for _, atom := range atoms {
		w := width(atom)
		if curW > 0 && curW+2+w > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
			curW += 2
		}
		cur.WriteString(atom)
		curW += w
	}
	flush()
	return chunks
}

// ChunkWithIndicators is Chunk plus "[i/N] " prefixes when more than
// one chunk results.
func ChunkWithIndicators(text string, budget int) []string {
	chunks := Chunk(text, budget)
	if len(chunks) < 2 {
		return chunks
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = indicator(i+1, len(chunks)) + c
	}
	return out
}

func indicator(i, n int) string {
	return "[" + itoa(i) + "/" + itoa(n) + "] "
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func width(s string) int { return runewidth.StringWidth(s) }

type segment struct {
	fenced bool
	lang   string
	text   string // fence content, without the fence lines
}

// parseSegments walks lines and splits the input into alternating
// plain and fenced regions. An unterminated fence runs to the end.
func parseSegments(s string) []segment {
	var segs []segment
	var plain, fenced strings.Builder
	lang := ""
	inFence := false

	flushPlain := func() {
		if plain.Len() > 0 {
			segs = append(segs, segment{text: strings.TrimRight(plain.String(), "\n")})
			plain.Reset()
		}
	}
	flushFence := func() {
		segs = append(segs, segment{fenced: true, lang: lang, text: strings.TrimRight(fenced.String(), "\n")})
		fenced.Reset()
		lang = ""
	}

	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				flushFence()
				inFence = false
			} else {
				flushPlain()
				lang = strings.TrimPrefix(trimmed, "```")
				inFence = true
			}
			continue
		}
		if inFence {
			fenced.WriteString(line)
			fenced.WriteString("\n")
		} else {
			plain.WriteString(line)
			plain.WriteString("\n")
		}
	}
	if inFence {
		flushFence()
	} else {
		flushPlain()
	}
	return segs
}

// fenceAtoms wraps a fenced segment back into one or more complete
// fenced blocks each within budget.
func fenceAtoms(seg segment, budget int) []string {
	overhead := width("```"+seg.lang) + width("```") + 2 // fence lines plus newlines
	wrap := func(content string) string {
		return "```" + seg.lang + "\n" + content + "\n```"
	}
	if width(seg.text)+overhead <= budget {
		return []string{wrap(seg.text)}
	}

	inner := budget - overhead
	if inner < 1 {
		inner = 1
	}
	var atoms []string
	var cur strings.Builder
	curW := 0
	for _, line := range strings.Split(seg.text, "\n") {
		w := width(line)
		if curW > 0 && curW+1+w > inner {
			atoms = append(atoms, wrap(cur.String()))
			cur.Reset()
			curW = 0
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
			curW++
		}
		// A single line longer than the inner budget is hard cut.
		if w > inner {
			for _, piece := range hardCut(line, inner) {
				if cur.Len() > 0 {
					atoms = append(atoms, wrap(cur.String()))
					cur.Reset()
					curW = 0
				}
				atoms = append(atoms, wrap(piece))
			}
			continue
		}
		cur.WriteString(line)
		curW += w
	}
	if cur.Len() > 0 {
		atoms = append(atoms, wrap(cur.String()))
	}
	return atoms
}

// splitPlain splits plain text into pieces within budget, preferring
// paragraph, then sentence, then word boundaries, then a hard cut.
func splitPlain(text string, budget int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if width(text) <= budget {
		return []string{text}
	}

	// Paragraph boundaries.
	if paras := strings.Split(text, "\n\n"); len(paras) > 1 {
		return packPieces(paras, "\n\n", budget)
	}
	// Sentence boundaries.
	if sentences := splitSentences(text); len(sentences) > 1 {
		return packPieces(sentences, " ", budget)
	}
	// Word boundaries.
	if words := strings.Fields(text); len(words) > 1 {
		return packPieces(words, " ", budget)
	}
	return hardCut(text, budget)
}

// packPieces greedily joins pieces with sep, recursing into pieces that
// alone exceed the budget.
func packPieces(pieces []string, sep string, budget int) []string {
	var out []string
	var cur strings.Builder
	curW := 0
	sepW := width(sep)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curW = 0
		}
	}
	for _, p := range pieces {
		w := width(p)
		if w > budget {
			flush()
			out = append(out, splitPlain(p, budget)...)
			continue
		}
		if curW > 0 && curW+sepW+w > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
			curW += sepW
		}
		cur.WriteString(p)
		curW += w
	}
	flush()
	return out
}

// splitSentences cuts after ., ! or ? followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				out = append(out, strings.TrimSpace(string(runes[start:i+1])))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// hardCut slices on rune boundaries accumulating display width.
func hardCut(s string, budget int) []string {
	var out []string
	var cur strings.Builder
	curW := 0
	for _, r := range s {
		w := runewidth.RuneWidth(r)
		if curW+w > budget && cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curW = 0
		}
		cur.WriteRune(r)
		curW += w
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
