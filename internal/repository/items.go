package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Item is one ranked position: a document id and the side that contributed it
type Item struct {
	DocID  string `json:"docid"`
	Origin Origin `json:"type"`
}

// Items is an ordered ranking. Position i+1 holds Items[i].
//
// It serializes as a JSON object keyed by 1-based position, in order:
//
//	{"1": {"docid": "d1", "type": "EXP"}, "2": ...}
type Items []Item

// DocIDs returns the document ids in ranked order
func (it Items) DocIDs() []string {
	ids := make([]string, len(it))
	for i, item := range it {
		ids[i] = item.DocID
	}
	return ids
}

// MarshalJSON writes positions in ascending numeric order
func (it Items) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range it {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.Itoa(i + 1))
		buf.WriteString(`":`)
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a position-keyed object. Positions must be contiguous from 1.
func (it *Items) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*it = nil
		return nil
	}

	var raw map[string]Item
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode items: %w", err)
	}

	positions := make([]int, 0, len(raw))
	byPos := make(map[int]Item, len(raw))
	for key, item := range raw {
		pos, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("invalid item position %q", key)
		}
		positions = append(positions, pos)
		byPos[pos] = item
	}
	sort.Ints(positions)

	out := make(Items, len(positions))
	for i, pos := range positions {
		if pos != i+1 {
			return fmt.Errorf("item positions not contiguous: expected %d, got %d", i+1, pos)
		}
		out[i] = byPos[pos]
	}
	*it = out
	return nil
}
