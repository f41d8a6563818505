// Package featurizer maps transcripts to CTC label ids and back.
package featurizer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// BlankToken occupies index 0 of every vocabulary
	BlankToken = "<blank>"

	// SpaceToken is how a space character is written in vocabulary files
	SpaceToken = "<space>"
)

// ErrUnknownToken is returned when a transcript contains a character outside the vocabulary
var ErrUnknownToken = errors.New("unknown token")

// TextFeaturizer is a character vocabulary: one token per id, blank at id 0
type TextFeaturizer struct {
	vocab []string
	index map[string]int
}

// NewTextFeaturizer builds a featurizer from tokens. A blank is inserted at index 0
// when the list does not start with one.
func NewTextFeaturizer(tokens []string) (*TextFeaturizer, error) {
	vocab := make([]string, 0, len(tokens)+1)
	if len(tokens) == 0 || tokens[0] != BlankToken {
		vocab = append(vocab, BlankToken)
	}
	for _, token := range tokens {
		if token == SpaceToken {
			token = " "
		}
		vocab = append(vocab, token)
	}

	index := make(map[string]int, len(vocab))
	for i, token := range vocab {
		if _, dup := index[token]; dup {
			return nil, fmt.Errorf("duplicate vocabulary token %q at line %d", token, i)
		}
		index[token] = i
	}
	if len(vocab) < 2 {
		return nil, fmt.Errorf("vocabulary has no tokens besides the blank")
	}

	return &TextFeaturizer{vocab: vocab, index: index}, nil
}

// LoadVocabulary reads a vocabulary file with one token per line
func LoadVocabulary(path string) (*TextFeaturizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()
	return ReadVocabulary(f)
}

// ReadVocabulary reads one token per line. Trailing carriage returns are dropped and
// empty lines skipped; a space is written as <space>.
func ReadVocabulary(r io.Reader) (*TextFeaturizer, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		tokens = append(tokens, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	return NewTextFeaturizer(tokens)
}

// Encode converts a transcript to label ids, one per character
func (tf *TextFeaturizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range strings.TrimSpace(text) {
		id, ok := tf.index[string(r)]
		if !ok || id == 0 {
			return nil, fmt.Errorf("%w %q in %q", ErrUnknownToken, r, text)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode converts label ids back to text, skipping blanks and ids outside the vocabulary
func (tf *TextFeaturizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id <= 0 || id >= len(tf.vocab) {
			continue
		}
		sb.WriteString(tf.vocab[id])
	}
	return sb.String()
}

// Vocabulary returns the tokens by id, with spaces as " "
func (tf *TextFeaturizer) Vocabulary() []string {
	return append([]string(nil), tf.vocab...)
}

// VocabSize returns the number of tokens including the blank
func (tf *TextFeaturizer) VocabSize() int {
	return len(tf.vocab)
}
