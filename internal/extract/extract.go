// Package extract turns arbitrary backend payloads into normalized rankings.
//
// Every system resolves, once at startup, to a HitSource describing where its
// hit array lives and which field identifies a hit. Downstream code only sees
// position -> docid rankings plus the untouched native hit objects, which are
// kept for rebuilding responses in the backend's own shape.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/knoguchi/livelab/internal/repository"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultHitsPath is where standard backends put their ranked list.
	DefaultHitsPath = "itemlist"

	// DefaultIDField identifies a hit object when a system names none.
	DefaultIDField = "docid"
)

// ErrHitsNotFound is returned when the payload has no array at the hit path.
var ErrHitsNotFound = errors.New("hit array not found in payload")

// HitSource locates and identifies hits in one system's payloads.
type HitSource interface {
	// Extract returns the ranking tagged with origin and the native hits in the same order.
	Extract(payload []byte, origin repository.Origin) (repository.Items, []json.RawMessage, error)
	// Path is the gjson path of the hit array.
	Path() string
	// IDField is the gjson path of the identifier inside a hit object.
	IDField() string
	// Custom reports whether the system declared its own response schema.
	Custom() bool
}

// StandardArray reads the top-level "itemlist" array of bare ids or hit objects.
type StandardArray struct {
	ID string
}

func (s StandardArray) Extract(payload []byte, origin repository.Origin) (repository.Items, []json.RawMessage, error) {
	return extractAt(payload, DefaultHitsPath, s.IDField(), origin)
}

func (s StandardArray) Path() string { return DefaultHitsPath }

func (s StandardArray) IDField() string {
	if s.ID == "" {
		return DefaultIDField
	}
	return s.ID
}

func (s StandardArray) Custom() bool { return false }

// PathExpression reads the hit array at a system-declared path.
type PathExpression struct {
	HitsPath string
	ID       string
}

func (p PathExpression) Extract(payload []byte, origin repository.Origin) (repository.Items, []json.RawMessage, error) {
	return extractAt(payload, p.HitsPath, p.IDField(), origin)
}

func (p PathExpression) Path() string { return p.HitsPath }

func (p PathExpression) IDField() string {
	if p.ID == "" {
		return DefaultIDField
	}
	return p.ID
}

func (p PathExpression) Custom() bool { return true }

// ForSystem resolves the hit source a system's configuration describes.
func ForSystem(sys *repository.System) HitSource {
	if path := NormalizePath(sys.HitsPath); path != "" {
		return PathExpression{HitsPath: path, ID: sys.DocIDField}
	}
	return StandardArray{ID: sys.DocIDField}
}

// NormalizePath accepts JSONPath-style roots ("$.hits.hits") and returns a gjson path.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	return strings.TrimPrefix(path, ".")
}

func extractAt(payload []byte, path, idField string, origin repository.Origin) (repository.Items, []json.RawMessage, error) {
	if !gjson.ValidBytes(payload) {
		return nil, nil, fmt.Errorf("%w: payload is not valid JSON", ErrHitsNotFound)
	}
	hits := gjson.GetBytes(payload, path)
	if !hits.Exists() || !hits.IsArray() {
		return nil, nil, fmt.Errorf("%w: %q", ErrHitsNotFound, path)
	}

	var items repository.Items
	var native []json.RawMessage
	hits.ForEach(func(_, hit gjson.Result) bool {
		docid, ok := identify(hit, idField)
		if !ok {
			return true
		}
		items = append(items, repository.Item{DocID: docid, Origin: origin})
		native = append(native, json.RawMessage(hit.Raw))
		return true
	})
	return items, native, nil
}

// identify returns the document id of a hit object, or the hit itself when it is a bare id.
func identify(hit gjson.Result, idField string) (string, bool) {
	switch {
	case hit.IsObject():
		id := hit.Get(idField)
		if !id.Exists() || id.IsObject() || id.IsArray() || id.String() == "" {
			return "", false
		}
		return id.String(), true
	case hit.Type == gjson.String || hit.Type == gjson.Number:
		return hit.String(), hit.String() != ""
	default:
		return "", false
	}
}

// Index maps document ids to native hits. Bare-id hits map to themselves.
func Index(src HitSource, hits []json.RawMessage) map[string]json.RawMessage {
	index := make(map[string]json.RawMessage, len(hits))
	for _, raw := range hits {
		docid, ok := identify(gjson.ParseBytes(raw), src.IDField())
		if !ok {
			continue
		}
		if _, dup := index[docid]; !dup {
			index[docid] = raw
		}
	}
	return index
}

// Substitute returns a copy of payload with the array at path replaced by hits.
// All other fields keep their original bytes and order.
func Substitute(payload []byte, path string, hits []json.RawMessage) ([]byte, error) {
	array, err := json.Marshal(hits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hits: %w", err)
	}
	if hits == nil {
		array = []byte("[]")
	}
	out, err := sjson.SetRawBytes(append([]byte(nil), payload...), path, array)
	if err != nil {
		return nil, fmt.Errorf("failed to substitute hits at %q: %w", path, err)
	}
	return out, nil
}

// EmptyPayload builds the zero-hit placeholder returned when a backend cannot be used.
func EmptyPayload(src HitSource, query string, page, rpp int) []byte {
	base := map[string]any{
		"query":     query,
		"num_found": 0,
		"page":      page,
		"rpp":       rpp,
	}
	payload, _ := json.Marshal(base)
	out, err := sjson.SetRawBytes(payload, src.Path(), []byte("[]"))
	if err != nil {
		return []byte(`{"itemlist":[],"num_found":0}`)
	}
	return out
}
