package pipeline

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketwatch/internal/domain"
)

// Parser turns OCR text into observations
type Parser interface {
	Parse(text, hotkey string, pt domain.ProcessingType) domain.ParsingResult
}

// LineParser reads one listing per line:
//
//	seller | item | price | quantity | item_id
//
// Price, quantity and item_id may be blank or missing. Minimal rounds only use the
// first two columns. Blank lines and lines starting with '#' are ignored; malformed
// lines are reported in ParsingResult.Errors and skipped.
type LineParser struct {
	Separator string
}

// NewLineParser returns a LineParser splitting on '|'
func NewLineParser() *LineParser {
	return &LineParser{Separator: "|"}
}

// Parse implements Parser
func (p *LineParser) Parse(text, hotkey string, pt domain.ProcessingType) domain.ParsingResult {
	sep := p.Separator
	if sep == "" {
		sep = "|"
	}

	result := domain.ParsingResult{
		Hotkey:         hotkey,
		ProcessingType: pt,
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		item, err := parseLine(line, sep, pt)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		item.Hotkey = hotkey
		item.ProcessingType = pt
		result.Items = append(result.Items, item)
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	return result
}

func parseLine(line, sep string, pt domain.ProcessingType) (domain.ItemObservation, error) {
	fields := strings.Split(line, sep)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return domain.ItemObservation{}, fmt.Errorf("expected seller and item, got %q", line)
	}

	item := domain.ItemObservation{
		SellerName: fields[0],
		ItemName:   fields[1],
	}
	if pt == domain.ProcessingMinimal {
		return item, nil
	}

	if len(fields) > 2 && fields[2] != "" {
		price, err := parsePrice(fields[2])
		if err != nil {
			return domain.ItemObservation{}, err
		}
		item.Price = &price
	}
	if len(fields) > 3 && fields[3] != "" {
		qty, err := parseQuantity(fields[3])
		if err != nil {
			return domain.ItemObservation{}, err
		}
		item.Quantity = &qty
	}
	if len(fields) > 4 && fields[4] != "" {
		id := fields[4]
		item.ItemID = &id
	}
	return item, nil
}

// parsePrice accepts thousands separators ("1,250") and a trailing currency marker ("1250g")
func parsePrice(s string) (float64, error) {
	cleaned := strings.ReplaceAll(s, ",", "")
	cleaned = strings.TrimRight(cleaned, "gG ")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	return v, nil
}

// parseQuantity accepts "3" and "x3"
func parseQuantity(s string) (int, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(s), "x")
	v, err := strconv.Atoi(cleaned)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return v, nil
}
