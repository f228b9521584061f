package domain

type Batch struct {
	ID             string   `json:"id"`
	Commodity      string   `json:"commodity"`
	Variety        string   `json:"variety,omitempty"`
	Quantity       float64  `json:"quantity"`
	Unit           string   `json:"unit"`
	Origin         string   `json:"origin,omitempty"`
	HarvestDate    string   `json:"harvest_date,omitempty" format:"date"`
	Notes          string   `json:"notes,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
	Custodian      string   `json:"custodian"`
	Status         string   `json:"status" enum:"registered,in_transit,delivered,closed"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type CustodyEvent struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind" enum:"created,tested,transferred,received,closed"`
	ActorID    string `json:"actor_id"`
	Location   string `json:"location,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
	TS         string `json:"ts" format:"date-time"`
	Digest     string `json:"digest"`
	PrevDigest string `json:"prev_digest"`
}

// VerificationResult reports the outcome of recomputing a batch's hash chain.
// Integrity failure is data, not an error: an invalid chain is still returned
// with the first offending sequence number.
type VerificationResult struct {
	BatchID   string `json:"batch_id"`
	Valid     bool   `json:"valid"`
	Events    int64  `json:"events"`
	FailedSeq *int64 `json:"failed_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TraceView is the assembled answer to "show me everything about batch X".
type TraceView struct {
	Batch        Batch              `json:"batch"`
	Events       []CustodyEvent     `json:"events"`
	Verification VerificationResult `json:"verification"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
