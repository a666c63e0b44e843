package p4

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one tagged-output record keyed by field name.
type Record map[string]string

// ParseJSONLines decodes -Mj -ztag output. Each line is an independent JSON
// object; blank and undecodable lines are dropped. Non-string values are
// rendered with fmt so callers can treat every field as text.
func ParseJSONLines(out string) []Record {
	var records []Record
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		rec := make(Record, len(raw))
		for k, v := range raw {
			switch v := v.(type) {
			case string:
				rec[k] = v
			case nil:
				rec[k] = ""
			default:
				rec[k] = fmt.Sprint(v)
			}
		}
		records = append(records, rec)
	}
	return records
}

// ParseDotted decodes -ztag output of the form "... field value". A record
// ends at a blank line, or when primary appears again while the current
// record already has it, since p4 does not always separate records in bulk
// output. Lines that are not tagged fields are ignored.
func ParseDotted(out, primary string) []Record {
	var (
		records []Record
		cur     Record
	)
	flush := func() {
		if len(cur) > 0 {
			records = append(records, cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		field, value, ok := dottedField(line)
		if !ok {
			continue
		}
		if field == primary && cur != nil {
			if _, has := cur[primary]; has {
				flush()
			}
		}
		if cur == nil {
			cur = make(Record)
		}
		cur[field] = value
	}
	flush()
	return records
}

// dottedField splits "... field value". Nested "... ... field" prefixes,
// used by p4 for sub-records, are flattened.
func dottedField(line string) (field, value string, ok bool) {
	if !strings.HasPrefix(line, "... ") {
		return "", "", false
	}
	rest := line
	for strings.HasPrefix(rest, "... ") {
		rest = rest[len("... "):]
	}
	field, value, _ = strings.Cut(rest, " ")
	if field == "" {
		return "", "", false
	}
	return field, value, true
}

// Int parses a numeric field, returning 0 when absent or malformed.
func (r Record) Int(field string) int {
	n, err := strconv.Atoi(r[field])
	if err != nil {
		return 0
	}
	return n
}
