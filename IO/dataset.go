package IO

import (
	"fmt"
	"log/slog"
	"strings"
)

// Encoding is one tokenized example.
type Encoding struct {
	InputIDs      []int
	AttentionMask []int
}

type Dataset interface {
	Len() int
	Item(i int) (Encoding, error)
}

// ICDDataset turns subject ids into tokenized diagnosis histories. The
// segments of a history are joined with the separator token.
type ICDDataset struct {
	dxs       Diagnoses
	tok       Tokenizer
	ids       []int64
	separator string
}

// NewICDDataset keeps the subjects present in dxs, in order. Missing
// subjects are dropped with a warning.
func NewICDDataset(dxs Diagnoses, tok Tokenizer, ids []int64, separator string) *ICDDataset {
	kept := make([]int64, 0, len(ids))
	var missing []int64
	for _, id := range ids {
		if _, ok := dxs[id]; ok {
			kept = append(kept, id)
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		slog.Warn("subjects without diagnoses dropped",
			"dropped", len(missing), "kept", len(kept), "first", missing[0])
	}
	return &ICDDataset{dxs: dxs, tok: tok, ids: kept, separator: separator}
}

func (d *ICDDataset) Len() int { return len(d.ids) }

// SubjectID returns the subject behind example i.
func (d *ICDDataset) SubjectID(i int) int64 { return d.ids[i] }

// Text is the separator-joined history of example i.
func (d *ICDDataset) Text(i int) string {
	return strings.Join(d.dxs[d.ids[i]], " "+d.separator+" ")
}

// Item tokenizes example i, truncating to the tokenizer's max length while
// keeping the closing [SEP].
func (d *ICDDataset) Item(i int) (Encoding, error) {
	if i < 0 || i >= len(d.ids) {
		return Encoding{}, fmt.Errorf("item %d out of range [0,%d)", i, len(d.ids))
	}
	ids, err := d.tok.Encode(d.Text(i))
	if err != nil {
		return Encoding{}, fmt.Errorf("encode subject %d: %w", d.ids[i], err)
	}
	if n := d.tok.ModelMaxLength(); n > 0 && len(ids) > n {
		last := ids[len(ids)-1]
		ids = append(ids[:n-1:n-1], last)
	}
	mask := make([]int, len(ids))
	for j := range mask {
		mask[j] = 1
	}
	return Encoding{InputIDs: ids, AttentionMask: mask}, nil
}
