package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/reelworks/renderd/internal/models"
)

// Word is one caption token with absolute timeline timestamps in milliseconds.
type Word struct {
	Text    string `json:"text"`
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
}

type captionDocument struct {
	Words []Word `json:"words"`
}

// Caption grouping: short punchy lines that track the narration.
const (
	maxWordsPerLine  = 4
	maxLineSpanMs    = 1800
	minEventDuration = 300
)

// ParseWordTimestamps decodes a word-timestamp caption document. Words are
// returned sorted by start time; malformed entries fail the whole document
// since a partially-captioned render is worse than an error.
func ParseWordTimestamps(data []byte) ([]Word, error) {
	var doc captionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse caption document: %w", err)
	}

	for i, w := range doc.Words {
		if strings.TrimSpace(w.Text) == "" {
			return nil, fmt.Errorf("caption word %d has empty text", i)
		}
		if w.StartMs < 0 || w.EndMs < w.StartMs {
			return nil, fmt.Errorf("caption word %d has invalid range [%d, %d]", i, w.StartMs, w.EndMs)
		}
	}

	sort.SliceStable(doc.Words, func(i, j int) bool {
		return doc.Words[i].StartMs < doc.Words[j].StartMs
	})

	return doc.Words, nil
}

// SliceWords returns the words that intersect [sceneStartMs, sceneEndMs),
// rebased to scene-local time and clamped to the scene boundaries. A word
// straddling a scene edge appears in both scenes, truncated at the cut.
func SliceWords(words []Word, sceneStartMs, sceneEndMs int) []Word {
	var out []Word
	for _, w := range words {
		if w.EndMs <= sceneStartMs || w.StartMs >= sceneEndMs {
			continue
		}
		start := w.StartMs
		if start < sceneStartMs {
			start = sceneStartMs
		}
		end := w.EndMs
		if end > sceneEndMs {
			end = sceneEndMs
		}
		out = append(out, Word{
			Text:    w.Text,
			StartMs: start - sceneStartMs,
			EndMs:   end - sceneStartMs,
		})
	}
	return out
}

// BuildASS renders scene-local words as an ASS subtitle document sized for
// the target resolution. Words are grouped into short lines; each line is one
// dialogue event.
func BuildASS(words []Word, res models.Resolution) string {
	var sb strings.Builder

	fontSize := res.Height / 18
	marginV := res.Height / 10

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", res.Width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", res.Height)
	sb.WriteString("WrapStyle: 2\n\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, OutlineColour, BackColour, Bold, Outline, Shadow, Alignment, MarginL, MarginR, MarginV\n")
	fmt.Fprintf(&sb, "Style: Default,Montserrat,%d,&H00FFFFFF,&H00000000,&H80000000,1,3,1,2,40,40,%d\n\n", fontSize, marginV)

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Text\n")

	for _, line := range groupWords(words) {
		texts := make([]string, len(line))
		for i, w := range line {
			texts[i] = w.Text
		}
		start := line[0].StartMs
		end := line[len(line)-1].EndMs
		if end-start < minEventDuration {
			end = start + minEventDuration
		}
		fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,%s\n",
			assTimestamp(start), assTimestamp(end), escapeASS(strings.Join(texts, " ")))
	}

	return sb.String()
}

// groupWords batches consecutive words into caption lines bounded by word
// count and elapsed time.
func groupWords(words []Word) [][]Word {
	var lines [][]Word
	var cur []Word

	for _, w := range words {
		if len(cur) > 0 && (len(cur) >= maxWordsPerLine || w.EndMs-cur[0].StartMs > maxLineSpanMs) {
			lines = append(lines, cur)
			cur = nil
		}
		cur = append(cur, w)
	}
	if len(cur) > 0 {
		lines = append(lines, cur)
	}
	return lines
}

// assTimestamp formats milliseconds as H:MM:SS.CS per ASS conventions.
func assTimestamp(ms int) string {
	cs := (ms / 10) % 100
	s := (ms / 1000) % 60
	m := (ms / 60000) % 60
	h := ms / 3600000
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

func escapeASS(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "{", "(")
	text = strings.ReplaceAll(text, "}", ")")
	return text
}
