package fact

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

type vocabularyEntry struct {
	Code     string   `yaml:"code"`
	Synonyms []string `yaml:"synonyms"`
}

// Vocabulary maps free text to canonical codes, scoped by category.
// It is read-only after construction.
type Vocabulary struct {
	codes    map[Category]map[string]bool
	synonyms map[Category]map[string]string
	// phrases holds every synonym per category, longest first, for
	// in-sentence matching.
	phrases map[Category][]string
}

// DefaultVocabulary parses the embedded vocabulary table.
func DefaultVocabulary() (*Vocabulary, error) {
	return ParseVocabulary(defaultVocabularyYAML)
}

// ParseVocabulary builds a vocabulary from its YAML form. Unknown categories,
// empty codes and synonyms claimed by two codes of the same category are errors.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var raw map[Category][]vocabularyEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}

	v := &Vocabulary{
		codes:    make(map[Category]map[string]bool),
		synonyms: make(map[Category]map[string]string),
		phrases:  make(map[Category][]string),
	}
	for cat, entries := range raw {
		if !cat.Valid() {
			return nil, fmt.Errorf("vocabulary: unknown category %q", cat)
		}
		v.codes[cat] = make(map[string]bool)
		v.synonyms[cat] = make(map[string]string)
		for _, e := range entries {
			if e.Code == "" {
				return nil, fmt.Errorf("vocabulary: empty code in category %q", cat)
			}
			v.codes[cat][e.Code] = true
			terms := append([]string{strings.ReplaceAll(e.Code, "_", " ")}, e.Synonyms...)
			for _, term := range terms {
				term = NormalizeText(term)
				if term == "" {
					continue
				}
				if owner, ok := v.synonyms[cat][term]; ok && owner != e.Code {
					return nil, fmt.Errorf("vocabulary: %s synonym %q claimed by %q and %q", cat, term, owner, e.Code)
				}
				v.synonyms[cat][term] = e.Code
			}
		}
		phrases := make([]string, 0, len(v.synonyms[cat]))
		for term := range v.synonyms[cat] {
			phrases = append(phrases, term)
		}
		sort.Slice(phrases, func(i, j int) bool {
			if len(phrases[i]) != len(phrases[j]) {
				return len(phrases[i]) > len(phrases[j])
			}
			return phrases[i] < phrases[j]
		})
		v.phrases[cat] = phrases
	}
	return v, nil
}

// HasCode reports whether code is a canonical code of the category.
func (v *Vocabulary) HasCode(cat Category, code string) bool {
	return v.codes[cat][code]
}

// Lookup resolves normalized text to a canonical code. An exact synonym match
// wins; otherwise the longest synonym that appears as a whole phrase inside
// the text is used.
func (v *Vocabulary) Lookup(cat Category, normalized string) (string, bool) {
	if code, ok := v.synonyms[cat][normalized]; ok {
		return code, true
	}
	padded := " " + normalized + " "
	for _, phrase := range v.phrases[cat] {
		if strings.Contains(padded, " "+phrase+" ") {
			return v.synonyms[cat][phrase], true
		}
	}
	return "", false
}

// NormalizeText lowercases, replaces punctuation with spaces and collapses
// whitespace. Letters outside ASCII (accents) are kept.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
