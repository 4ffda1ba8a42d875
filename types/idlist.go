package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// IDList is an ordered list of ids. Definitions may carry it either as a JSON
// array or as a text field holding a JSON array or a comma separated list;
// both are decoded once at the boundary.
type IDList []uint64

// ParseIDList decodes "[1,2]", "1, 2" or "" into an IDList. Duplicates are
// kept in first-seen order only once.
func ParseIDList(raw string) (IDList, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var out IDList
	if strings.HasPrefix(raw, "[") {
		var items []json.Number
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&items); err != nil {
			// Arrays of quoted ids are common in legacy rows.
			var quoted []string
			if qerr := json.Unmarshal([]byte(raw), &quoted); qerr != nil {
				return nil, fmt.Errorf("parse id list %q: %w", raw, err)
			}
			for _, q := range quoted {
				items = append(items, json.Number(strings.TrimSpace(q)))
			}
		}
		for _, item := range items {
			id, err := strconv.ParseUint(item.String(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse id list %q: %w", raw, err)
			}
			out = append(out, id)
		}
		return out.dedupe(), nil
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id list %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out.dedupe(), nil
}

func (l IDList) dedupe() IDList {
	if len(l) < 2 {
		return l
	}
	seen := make(map[uint64]struct{}, len(l))
	out := l[:0]
	for _, id := range l {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Contains reports whether id is in the list.
func (l IDList) Contains(id uint64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// String renders the list as a JSON array.
func (l IDList) String() string {
	parts := make([]string, len(l))
	for i, id := range l {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// UnmarshalJSON accepts a JSON array of numbers or a string holding an encoded list.
func (l *IDList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseIDList(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	parsed, err := ParseIDList(trimmed)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML accepts a YAML sequence or a scalar holding an encoded list.
func (l *IDList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var ids []uint64
		if err := node.Decode(&ids); err != nil {
			return err
		}
		*l = IDList(ids).dedupe()
		return nil
	case yaml.ScalarNode:
		parsed, err := ParseIDList(node.Value)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	return fmt.Errorf("id list: unexpected yaml node kind %d", node.Kind)
}
