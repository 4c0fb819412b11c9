package IO

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/ulzee/icdbert/params"
)

func ExportVocabJSON(path string, v params.Vocabulary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ImportVocabJSON reads a file written by ExportVocabJSON. IDToToken is
// authoritative; TokenToID is rebuilt from it.
func ImportVocabJSON(path string) (params.Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return params.Vocabulary{}, err
	}
	var data struct {
		IDToToken []string
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return params.Vocabulary{}, fmt.Errorf("decode %s: %w", path, err)
	}
	tok2id := make(map[string]int, len(data.IDToToken))
	for i, t := range data.IDToToken {
		if _, dup := tok2id[t]; dup {
			return params.Vocabulary{}, fmt.Errorf("%s: token %q appears twice", path, t)
		}
		tok2id[t] = i
	}
	return params.Vocabulary{TokenToID: tok2id, IDToToken: data.IDToToken}, nil
}

// ExportEmbeddings writes one "token\tv1 v2 ..." line per vocab entry from
// the columns of emb (d x |V|).
func ExportEmbeddings(path string, v params.Vocabulary, emb mat.Matrix) error {
	d, n := emb.Dims()
	if n != v.Size() {
		return fmt.Errorf("embeddings have %d columns, vocab has %d tokens", n, v.Size())
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	buf := make([]byte, 0, 32*d)
	for id, tok := range v.IDToToken {
		buf = append(buf[:0], tok...)
		buf = append(buf, '\t')
		for i := 0; i < d; i++ {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = strconv.AppendFloat(buf, emb.At(i, id), 'g', -1, 64)
		}
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
