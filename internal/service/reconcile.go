package service

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/knoguchi/livelab/internal/extract"
	"github.com/knoguchi/livelab/internal/repository"
)

// Containers names the systems behind a response.
type Containers struct {
	Exp  string `json:"exp"`
	Base string `json:"base,omitempty"`
}

// Header is the metadata block of the standard envelope.
type Header struct {
	SessionID  string     `json:"sid"`
	ResultID   int64      `json:"rid"`
	Query      string     `json:"q,omitempty"`
	ItemID     string     `json:"itemid,omitempty"`
	Page       int        `json:"page"`
	RPP        int        `json:"rpp"`
	Hits       int        `json:"hits"`
	Containers Containers `json:"container"`
}

// Envelope is the standard response shape.
type Envelope struct {
	Header Header           `json:"header"`
	Body   repository.Items `json:"body"`
}

// StandardEnvelope wraps a stored result in the standard envelope.
func StandardEnvelope(res *repository.Result, containers Containers) ([]byte, error) {
	header := Header{
		SessionID:  res.SessionID,
		ResultID:   res.ID,
		Page:       res.Page,
		RPP:        res.RPP,
		Hits:       res.HitCount,
		Containers: containers,
	}
	if res.Role == repository.RoleRecommendation {
		header.ItemID = res.Query
	} else {
		header.Query = res.Query
	}

	body := res.Items
	if body == nil {
		body = repository.Items{}
	}
	out, err := json.Marshal(Envelope{Header: header, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

// Passthrough rebuilds a native response from a stored payload, keeping
// every field except the hit array, which holds only identifiable hits.
func Passthrough(src extract.HitSource, payload []byte) ([]byte, error) {
	_, hits, err := src.Extract(payload, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read stored payload: %w", err)
	}
	return extract.Substitute(payload, src.Path(), hits)
}

// Splice builds an interleaved native response in the baseline's envelope.
// Each merged position is resolved against the side its origin names.
// Positions whose docid cannot be resolved are logged and skipped.
func Splice(merged repository.Items, base, exp *Leg, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lookup := map[repository.Origin]map[string]json.RawMessage{
		repository.OriginBaseline:     extract.Index(base.Source, base.Hits),
		repository.OriginExperimental: extract.Index(exp.Source, exp.Hits),
	}

	hits := make([]json.RawMessage, 0, len(merged))
	for i, item := range merged {
		raw, ok := lookup[item.Origin][item.DocID]
		if !ok {
			logger.Warn("merged docid missing from native hits",
				"position", i+1,
				"docid", item.DocID,
				"origin", string(item.Origin),
			)
			continue
		}
		hits = append(hits, raw)
	}
	return extract.Substitute(base.Payload, base.Source.Path(), hits)
}
