package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const unknownTokenID = 1

// TextParams configures the file-backed text classification dataset.
type TextParams struct {
	// Path is the directory holding train.tsv, test.tsv and optionally
	// validation.tsv. Relative paths resolve under the data dir.
	Path   string `yaml:"path"`
	SeqLen int    `yaml:"seq_len"`
}

type textRecord struct {
	label string
	text  string
}

// newText reads "<label>\t<text>" lines. The vocabulary is character level,
// built from the train split (pad=0, unknown=1), and labels are indexed in
// sorted order of the train split's label set.
func newText(phase Phase, opts Options) (Dataset, error) {
	p := TextParams{Path: "text", SeqLen: 64}
	if err := opts.decode(&p); err != nil {
		return nil, err
	}
	if p.SeqLen < 2 {
		return nil, fmt.Errorf("text: seq_len must be at least 2, got %d", p.SeqLen)
	}
	dir := p.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(opts.DataDir, dir)
	}

	raw := make(map[Split][]textRecord)
	for _, split := range []Split{Train, Test, Validation} {
		recs, err := readTSV(filepath.Join(dir, string(split)+".tsv"))
		if err != nil {
			if split == Validation && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("text: %w", err)
		}
		raw[split] = recs
	}

	vocab := map[rune]int{}
	labelSet := map[string]struct{}{}
	var chars []rune
	for _, r := range raw[Train] {
		labelSet[r.label] = struct{}{}
		for _, c := range r.text {
			if _, ok := vocab[c]; !ok {
				vocab[c] = 0
				chars = append(chars, c)
			}
		}
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i] < chars[j] })
	for i, c := range chars {
		vocab[c] = i + 2
	}
	labels := make([]string, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	labelIdx := make(map[string]int, len(labels))
	for i, l := range labels {
		labelIdx[l] = i
	}

	set := &sequenceSet{
		name:      "text",
		phase:     phase,
		vocab:     len(chars) + 2,
		classes:   len(labels),
		seqLen:    p.SeqLen,
		sequences: make(map[Split][]Example),
	}
	for split, recs := range raw {
		examples := make([]Example, 0, len(recs))
		for lineNo, r := range recs {
			label, ok := labelIdx[r.label]
			if !ok {
				return nil, fmt.Errorf("text: %s record %d: label %q not present in train split", split, lineNo+1, r.label)
			}
			tokens := make([]int, 0, p.SeqLen)
			for _, c := range r.text {
				if len(tokens) == p.SeqLen {
					break
				}
				id, ok := vocab[c]
				if !ok {
					id = unknownTokenID
				}
				tokens = append(tokens, id)
			}
			examples = append(examples, Example{Input: padTo(tokens, p.SeqLen), Label: label})
		}
		set.sequences[split] = examples
	}
	return set, nil
}

func readTSV(path string) ([]textRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []textRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		label, text, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected <label>\\t<text>", path, n)
		}
		out = append(out, textRecord{label: strings.TrimSpace(label), text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
