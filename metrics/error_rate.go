// Package metrics scores recognition hypotheses against reference transcripts.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrEmptyReference is returned when the reference has nothing to score against
var ErrEmptyReference = errors.New("reference is empty")

// Supported metric names
const (
	TypeCER = "cer"
	TypeWER = "wer"
)

// ErrorRate compares a reference transcript with a hypothesis
type ErrorRate func(reference, hypothesis string) (float64, error)

// ForType returns the error rate function for a metric name ("cer" or "wer")
func ForType(metricsType string) (ErrorRate, error) {
	switch strings.ToLower(metricsType) {
	case TypeCER:
		return CER, nil
	case TypeWER:
		return WER, nil
	default:
		return nil, fmt.Errorf("unknown metrics type %q", metricsType)
	}
}

// CER is the character error rate: the edit distance between the transcripts with all
// whitespace removed, divided by the reference length in characters.
func CER(reference, hypothesis string) (float64, error) {
	ref := []rune(stripSpace(reference))
	if len(ref) == 0 {
		return 0, ErrEmptyReference
	}
	hyp := []rune(stripSpace(hypothesis))
	return float64(editDistance(ref, hyp)) / float64(len(ref)), nil
}

// WER is the word error rate: the word-level edit distance divided by the number of
// reference words. Words are separated by any run of whitespace.
func WER(reference, hypothesis string) (float64, error) {
	ref := strings.Fields(reference)
	if len(ref) == 0 {
		return 0, ErrEmptyReference
	}
	hyp := strings.Fields(hypothesis)
	return float64(editDistance(ref, hyp)) / float64(len(ref)), nil
}

// editDistance is the Levenshtein distance with unit substitution, insertion and deletion costs
func editDistance[T comparable](a, b []T) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
