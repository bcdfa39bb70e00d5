// Package parser extracts card content from deck files.
//
// Markdown files hold blocks introduced by "Q:", "A:" and "C:" lines, with an
// optional "T:" line of tags. A block runs until the next prefix, a new "Q:"
// or a "---" separator. Markdown images (![alt](path)) in the question or
// answer turn the card into an image card.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/conorfennell/knolsched/internal/domain"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
	tagsPrefix     = "T:"
	separator      = "---"
)

type field int

const (
	seeking field = iota
	readingQuestion
	readingAnswer
	readingContext
	afterTags
)

var imagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

// ParseFile reads a markdown file and extracts its cards.
func ParseFile(path string) ([]domain.Content, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cards, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cards, nil
}

type builder struct {
	cards   []domain.Content
	current domain.Content
	state   field
	block   []string
}

// flush stores the open block in its field.
func (b *builder) flush() {
	if len(b.block) == 0 {
		return
	}
	text := strings.TrimRight(strings.Join(b.block, "\n"), " \t\n")
	switch b.state {
	case readingQuestion:
		b.current.Question = text
	case readingAnswer:
		b.current.Answer = text
	case readingContext:
		b.current.Context = text
	}
	b.block = nil
}

// finish closes the current card. Cards without a question are dropped.
func (b *builder) finish() {
	b.flush()
	if b.current.Question != "" {
		b.cards = append(b.cards, withImages(b.current))
	}
	b.current = domain.Content{}
	b.state = seeking
}

func (b *builder) start(state field, line, prefix string) {
	b.flush()
	b.state = state
	b.block = append(b.block, strings.TrimPrefix(line[len(prefix):], " "))
}

// Parse reads markdown from r and extracts its cards in file order.
func Parse(r io.Reader) ([]domain.Content, error) {
	scanner := bufio.NewScanner(r)
	b := &builder{}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == separator:
			b.finish()
		case strings.HasPrefix(line, questionPrefix):
			// A new question always starts a new card.
			if b.state != seeking {
				b.finish()
			}
			b.start(readingQuestion, line, questionPrefix)
		case strings.HasPrefix(line, answerPrefix):
			b.start(readingAnswer, line, answerPrefix)
		case strings.HasPrefix(line, contextPrefix):
			b.start(readingContext, line, contextPrefix)
		case strings.HasPrefix(line, tagsPrefix) && b.state != seeking:
			b.flush()
			b.current.Tags = append(b.current.Tags, splitTags(line[len(tagsPrefix):])...)
			// Lines after a tag line belong to no field until the next prefix.
			b.state = afterTags
		case b.state != seeking && b.state != afterTags:
			b.block = append(b.block, line)
		}
	}
	b.finish()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return b.cards, nil
}

// splitTags splits a tag list on commas and whitespace, dropping empties and
// duplicates.
func splitTags(s string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, t := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		t = strings.TrimPrefix(t, "#")
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	return tags
}

// withImages records the images referenced by the question and answer.
func withImages(c domain.Content) domain.Content {
	c.Kind = domain.TextContent
	for _, side := range []struct {
		name string
		text string
	}{{"front", c.Question}, {"back", c.Answer}} {
		for _, m := range imagePattern.FindAllStringSubmatch(side.text, -1) {
			c.Images = append(c.Images, domain.ImageRef{Side: side.name, Path: m[1]})
		}
	}
	if len(c.Images) > 0 {
		c.Kind = domain.ImageContent
	}
	return c
}
