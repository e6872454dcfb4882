package recorder

import (
	"sort"
	"strings"
)

// Transcript keeps the latest text per time offset and joins them in
// ascending offset order.
type Transcript struct {
	offsets []int64
	parts   map[int64]string
}

func NewTranscript() *Transcript {
	return &Transcript{parts: make(map[int64]string)}
}

// Put records text at offset, replacing any earlier text there.
func (t *Transcript) Put(offset int64, text string) {
	if _, ok := t.parts[offset]; !ok {
		i := sort.Search(len(t.offsets), func(i int) bool { return t.offsets[i] >= offset })
		t.offsets = append(t.offsets, 0)
		copy(t.offsets[i+1:], t.offsets[i:])
		t.offsets[i] = offset
	}
	t.parts[offset] = text
}

func (t *Transcript) Reset() {
	t.offsets = t.offsets[:0]
	clear(t.parts)
}

func (t *Transcript) Len() int { return len(t.offsets) }

func (t *Transcript) Text() string {
	texts := make([]string, len(t.offsets))
	for i, off := range t.offsets {
		texts[i] = t.parts[off]
	}
	return strings.Join(texts, " ")
}
