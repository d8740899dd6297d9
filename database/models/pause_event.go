package models

// PauseEvent records an emergency pause being raised or cleared.
type PauseEvent struct {
	EventID      string  `json:"event_id" bson:"event_id"`
	Kind         string  `json:"kind" bson:"kind"` // "automatic", "manual" or "cleared"
	Reason       string  `json:"reason" bson:"reason"`
	ReserveRatio float64 `json:"reserve_ratio" bson:"reserve_ratio"`
	OccurredAt   int64   `json:"occurred_at" bson:"occurred_at"`
}
