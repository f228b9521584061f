package server

import "traceline/internal/domain"

// Request payloads

type RegisterBatchRequest struct {
	ID             *string  `json:"id,omitempty"`
	Commodity      string   `json:"commodity"`
	Variety        *string  `json:"variety,omitempty"`
	Quantity       float64  `json:"quantity"`
	Unit           *string  `json:"unit,omitempty"`
	Origin         *string  `json:"origin,omitempty"`
	HarvestDate    *string  `json:"harvest_date,omitempty" format:"date"`
	Notes          *string  `json:"notes,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
}

type TransferConditionsRequest struct {
	Destination      string  `json:"destination,omitempty"`
	DestinationType  string  `json:"destination_type,omitempty" enum:",distributor,processor,wholesaler,retailer"`
	TemperatureC     *string `json:"temperature_c,omitempty"`
	ExpectedDelivery string  `json:"expected_delivery,omitempty" format:"date"`
	Notes            string  `json:"notes,omitempty"`
}

type TransferBatchRequest struct {
	ToActor    string                     `json:"to_actor"`
	Conditions *TransferConditionsRequest `json:"conditions,omitempty"`
}

type AcknowledgeBatchRequest struct {
	Location string `json:"location,omitempty"`
}

type RecordTestRequest struct {
	Location string         `json:"location,omitempty"`
	Results  map[string]any `json:"results,omitempty"`
}

// Response payloads

type BatchResponse struct {
	domain.Batch
	QRPayload string `json:"qr_payload"`
}

type EventResponse struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind"`
	ActorID    string `json:"actor_id"`
	Location   string `json:"location,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
	TS         string `json:"ts" format:"date-time"`
	Digest     string `json:"digest"`
	PrevDigest string `json:"prev_digest"`
}

type QRPayloadResponse struct {
	BatchID string `json:"batch_id"`
	Payload string `json:"payload"`
}

type paginatedBatches struct {
	Items      []BatchResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.CustodyEvent) EventResponse {
	return EventResponse{
		BatchID:    e.BatchID,
		Seq:        e.Seq,
		Kind:       e.Kind,
		ActorID:    e.ActorID,
		Location:   e.Location,
		Payload:    e.Payload,
		TS:         e.TS,
		Digest:     e.Digest,
		PrevDigest: e.PrevDigest,
	}
}

func mapEvents(in []domain.CustodyEvent) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func stringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
