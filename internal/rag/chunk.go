package rag

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

type chunk struct {
	id        string
	source    string
	ordinal   int
	body      string
	embedding []float32
}

// chunkID is the content hash of the chunk body; identical passages across
// documents share one row.
func chunkID(body string) string {
	sum := blake3.Sum256([]byte(body))
	return hex.EncodeToString(sum[:16])
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// splitText packs paragraphs into chunks of at most size runes. A paragraph
// longer than size is cut at the last whitespace before the limit.
func splitText(s string, size int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			out = append(out, t)
		}
		cur.Reset()
	}

	for _, para := range blankLines.Split(s, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		if n > size {
			flush()
			out = append(out, splitLong(para, size)...)
			continue
		}
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+n > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

func splitLong(para string, size int) []string {
	var out []string
	runes := []rune(para)
	for len(runes) > 0 {
		if len(runes) <= size {
			out = append(out, strings.TrimSpace(string(runes)))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	return out
}
