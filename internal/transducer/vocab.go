package transducer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// WordBoundary marks the start of a word in subword units.
const WordBoundary = "▁"

var (
	ErrEmptyVocabulary = errors.New("vocabulary is empty")
	ErrUnknownToken    = errors.New("token id not in vocabulary")
)

// Vocabulary maps token ids to subword units. The highest id is the blank.
// It is read-only after construction and safe to share between sessions.
type Vocabulary struct {
	tokens map[int]string
	blank  int
}

// LoadVocabulary reads a tokens file with one "<token> <id>" pair per line.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()
	vocab, err := ParseVocabulary(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vocab, nil
}

func ParseVocabulary(r io.Reader) (*Vocabulary, error) {
	tokens := make(map[int]string)
	blank := -1
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<token> <id>\", got %q", line, text)
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid id %q: %w", line, fields[1], err)
		}
		if id < 0 {
			return nil, fmt.Errorf("line %d: negative id %d", line, id)
		}
		if _, dup := tokens[id]; dup {
			return nil, fmt.Errorf("line %d: duplicate id %d", line, id)
		}
		tokens[id] = fields[0]
		blank = max(blank, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyVocabulary
	}
	return &Vocabulary{tokens: tokens, blank: blank}, nil
}

// NewVocabulary builds a vocabulary from an id → token map.
func NewVocabulary(tokens map[int]string) (*Vocabulary, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyVocabulary
	}
	copied := make(map[int]string, len(tokens))
	blank := -1
	for id, tok := range tokens {
		if id < 0 {
			return nil, fmt.Errorf("negative id %d", id)
		}
		copied[id] = tok
		blank = max(blank, id)
	}
	return &Vocabulary{tokens: copied, blank: blank}, nil
}

func (v *Vocabulary) Blank() int { return v.blank }

// Size is the score vector length the joiner is expected to produce.
func (v *Vocabulary) Size() int { return v.blank + 1 }

func (v *Vocabulary) Len() int { return len(v.tokens) }

func (v *Vocabulary) Token(id int) (string, bool) {
	tok, ok := v.tokens[id]
	return tok, ok
}

// Detokenize concatenates subword units, turns word boundary markers into
// spaces and trims the result.
func (v *Vocabulary) Detokenize(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		tok, ok := v.tokens[id]
		if !ok {
			return "", fmt.Errorf("%w: %d", ErrUnknownToken, id)
		}
		sb.WriteString(tok)
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), WordBoundary, " ")), nil
}
