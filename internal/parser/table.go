package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/xuri/excelize/v2"
)

// Spreadsheet decks hold one card per row: question, answer, then optional
// context and tags. A first row whose first cell reads "question" is a header.
const (
	colQuestion = iota
	colAnswer
	colContext
	colTags
)

// ParseXLSX reads every sheet of an Excel workbook, in sheet order.
func ParseXLSX(path string) ([]domain.Content, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	var cards []domain.Content
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q of %s: %w", sheet, path, err)
		}
		cards = append(cards, parseRows(rows)...)
	}
	return cards, nil
}

// ParseCSVFile reads a comma-separated deck file.
func ParseCSVFile(path string) ([]domain.Content, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cards, err := ParseCSV(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cards, nil
}

// ParseCSV reads comma-separated rows in the spreadsheet column layout.
func ParseCSV(r io.Reader) ([]domain.Content, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	return parseRows(rows), nil
}

func parseRows(rows [][]string) []domain.Content {
	var cards []domain.Content
	for i, row := range rows {
		if i == 0 && strings.EqualFold(cell(row, colQuestion), "question") {
			continue
		}
		c := domain.Content{
			Question: cell(row, colQuestion),
			Answer:   cell(row, colAnswer),
			Context:  cell(row, colContext),
			Tags:     splitTags(cell(row, colTags)),
		}
		if c.Question == "" {
			continue
		}
		cards = append(cards, withImages(c))
	}
	return cards
}

func cell(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}
