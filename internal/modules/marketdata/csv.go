package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
)

// rateLimitMarker appears in the stooq response body once the daily request
// quota is exhausted. The whole fetch is treated as transient.
const rateLimitMarker = "Przekroczony dzienny limit"

// quoteLayout is the bar timestamp layout in the CSV, source-local time.
const quoteLayout = "2006-01-02 15:04:05"

// ParseResult carries the bars recovered from one CSV document plus the
// count of lines dropped as malformed.
type ParseResult struct {
	Bars    []domain.OHLCVBar
	Dropped int
}

// ParseQuoteCSV parses a stooq quote document into bars. Two header shapes
// are accepted: the Polish live-quote export
// (Symbol,Data,Czas,Otwarcie,Najwyzszy,Najnizszy,Zamkniecie,Wolumen) and the
// plain historical form (Date,Time,Open,High,Low,Close,Volume) for which the
// symbol must be supplied by the caller. Timestamps are read in `loc` and
// stored as UTC. Malformed lines never abort the batch.
func ParseQuoteCSV(r io.Reader, symbol string, loc *time.Location) (ParseResult, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return ParseResult{}, domain.NewTransientError("read quote body", err)
	}

	body := string(raw)
	if strings.Contains(body, rateLimitMarker) {
		return ParseResult{}, domain.NewTransientError("stooq quota", fmt.Errorf("daily request limit exceeded"))
	}

	reader := csv.NewReader(strings.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return ParseResult{}, domain.NewMalformedError("empty quote document")
	}
	if err != nil {
		return ParseResult{}, domain.NewMalformedError(fmt.Sprintf("unreadable quote header: %v", err))
	}

	cols, err := mapQuoteColumns(header)
	if err != nil {
		return ParseResult{}, err
	}

	var result ParseResult
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Dropped++
			continue
		}

		bar, ok := parseQuoteRecord(record, cols, symbol, loc)
		if !ok {
			result.Dropped++
			continue
		}
		result.Bars = append(result.Bars, bar)
	}

	return result, nil
}

// columnIndexes maps field roles to CSV column positions.
type columnIndexes struct {
	symbol, date, clock, open, high, low, closeIdx, volume int
}

// mapQuoteColumns resolves header names case-insensitively for both the
// Polish and the English header shapes.
func mapQuoteColumns(header []string) (columnIndexes, error) {
	idx := columnIndexes{symbol: -1, date: -1, clock: -1, open: -1, high: -1, low: -1, closeIdx: -1, volume: -1}

	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "symbol":
			idx.symbol = i
		case "data", "date":
			idx.date = i
		case "czas", "time":
			idx.clock = i
		case "otwarcie", "open":
			idx.open = i
		case "najwyzszy", "high":
			idx.high = i
		case "najnizszy", "low":
			idx.low = i
		case "zamkniecie", "close":
			idx.closeIdx = i
		case "wolumen", "volume":
			idx.volume = i
		}
	}

	if idx.date < 0 || idx.clock < 0 || idx.open < 0 || idx.high < 0 || idx.low < 0 || idx.closeIdx < 0 || idx.volume < 0 {
		return idx, domain.NewMalformedError(fmt.Sprintf("unrecognised quote header %v", header))
	}
	return idx, nil
}

// parseQuoteRecord converts one CSV record into a bar. Records with stooq's
// "N/D" placeholders, unparseable numbers, or broken timestamps are dropped.
func parseQuoteRecord(record []string, cols columnIndexes, fallbackSymbol string, loc *time.Location) (domain.OHLCVBar, bool) {
	at := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	symbol := fallbackSymbol
	if cols.symbol >= 0 && at(cols.symbol) != "" {
		symbol = at(cols.symbol)
	}
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return domain.OHLCVBar{}, false
	}

	ts, err := time.ParseInLocation(quoteLayout, at(cols.date)+" "+at(cols.clock), loc)
	if err != nil {
		return domain.OHLCVBar{}, false
	}

	open, ok := parsePrice(at(cols.open))
	if !ok {
		return domain.OHLCVBar{}, false
	}
	high, ok := parsePrice(at(cols.high))
	if !ok {
		return domain.OHLCVBar{}, false
	}
	low, ok := parsePrice(at(cols.low))
	if !ok {
		return domain.OHLCVBar{}, false
	}
	closePrice, ok := parsePrice(at(cols.closeIdx))
	if !ok {
		return domain.OHLCVBar{}, false
	}

	volume, err := strconv.ParseInt(at(cols.volume), 10, 64)
	if err != nil || volume < 0 {
		return domain.OHLCVBar{}, false
	}

	bar := domain.OHLCVBar{
		Symbol:    symbol,
		Timestamp: ts.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}
	if err := bar.Validate(); err != nil {
		return domain.OHLCVBar{}, false
	}
	return bar, true
}

// parsePrice parses a decimal price, rejecting placeholders and
// non-positive values.
func parsePrice(s string) (decimal.Decimal, bool) {
	if s == "" || strings.EqualFold(s, "n/d") || strings.EqualFold(s, "b/d") {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return domain.RoundPrice(d), true
}
