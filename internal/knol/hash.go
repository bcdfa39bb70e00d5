// Package knol derives stable card identifiers from card content.
package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/conorfennell/knolsched/internal/domain"
)

// Normalize concatenates the content fields after cleaning each part.
// Each field is trimmed, lowercased and has its line endings normalized.
// Image references are appended after the text fields so that two image cards
// with the same caption still differ.
func Normalize(c domain.Content) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		return p
	}

	parts := []string{
		normalizePart(c.Question),
		normalizePart(c.Answer),
		normalizePart(c.Context),
	}
	for _, img := range c.Images {
		parts = append(parts, img.Side+":"+strings.TrimSpace(img.Path))
	}

	// Newline separators keep "question"+"answer" from becoming "questionanswer".
	return strings.Join(parts, "\n")
}

// Hash returns the SHA-256 of the normalized content as a hex string.
func Hash(c domain.Content) string {
	sum := sha256.Sum256([]byte(Normalize(c)))
	return fmt.Sprintf("%x", sum)
}

// CardID scopes the content hash to a deck, so the same question may live in
// two decks with independent schedules.
func CardID(deckID string, c domain.Content) string {
	sum := sha256.Sum256([]byte(deckID + "\x00" + Normalize(c)))
	return fmt.Sprintf("%x", sum[:16])
}

// DeckID identifies the deck found in directory dir (relative, slash
// separated) of the given source.
func DeckID(source, dir string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + dir))
	return fmt.Sprintf("%x", sum[:8])
}
