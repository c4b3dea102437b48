package ingest

import (
	"encoding/csv"
	"regexp"
	"slices"
	"strings"
	"sync"

	"behaviorguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
)

// Parser reads one line of a stream: a JSON entry (or array), a CSV record
// or "key=value" text with an optional leading timestamp. A CSV header line
// is remembered for the lines that follow it.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

type lineFormat int

const (
	formatKV lineFormat = iota
	formatJSON
	formatCSV
)

// detectFormat classifies a trimmed, non-empty line. Text containing key=value
// pairs stays key/value even when a value holds a comma.
func detectFormat(trim string) lineFormat {
	switch {
	case trim[0] == '{' || trim[0] == '[':
		return formatJSON
	case reKV.MatchString(trim):
		return formatKV
	case strings.Contains(trim, ","):
		return formatCSV
	}
	return formatKV
}

// ParseLine returns nil, nil for blank and header lines.
func (p *Parser) ParseLine(line string) ([]normalize.EntryFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	var list []normalize.EntryFields
	switch detectFormat(trim) {
	case formatJSON:
		parsed, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, err
		}
		list = parsed
	case formatCSV:
		fields, err := p.csv.Parse(trim)
		if err != nil || fields == nil {
			return nil, err
		}
		list = []normalize.EntryFields{*fields}
	default:
		list = []normalize.EntryFields{parsePlain(trim)}
	}
	for i := range list {
		list[i].Raw = line
	}
	return list, nil
}

func parsePlain(line string) normalize.EntryFields {
	ts, rest := extractTimestamp(line)
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	fields := fromFlat(kv)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

// positional columns used when no header has been seen
var defaultColumns = []string{"timestamp", "student_id", "emotion", "intensity", "noise_level"}

type CSVParser struct {
	mu     sync.Mutex
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EntryFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		p.mu.Unlock()
		return nil, nil
	}
	columns := p.header
	p.mu.Unlock()
	if columns == nil {
		columns = defaultColumns
	}
	flat := make(map[string]string, len(columns))
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		flat[name] = strings.TrimSpace(record[i])
	}
	fields := fromFlat(flat)
	return &fields, nil
}

var headerWords = map[string]bool{
	"timestamp": true, "time": true, "ts": true,
	"student": true, "student_id": true,
	"emotion": true, "intensity": true, "response": true, "noise_level": true,
}

func looksLikeHeader(record []string) bool {
	return slices.ContainsFunc(record, func(v string) bool {
		return headerWords[strings.ToLower(strings.TrimSpace(v))]
	})
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
