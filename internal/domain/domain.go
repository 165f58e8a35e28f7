package domain

// Claim status values for a shipment's escrow. created and monitoring accept
// evaluation requests; evaluating is transient while one is running; approved
// and rejected are absorbing.
const (
	ClaimCreated    = "created"
	ClaimMonitoring = "monitoring"
	ClaimEvaluating = "evaluating"
	ClaimApproved   = "approved"
	ClaimRejected   = "rejected"
)

// TerminalClaim reports whether a claim status can no longer change.
func TerminalClaim(status string) bool {
	return status == ClaimApproved || status == ClaimRejected
}

// Condition codes select which telemetry dimension constitutes a breach.
const (
	ConditionNone     = 0
	ConditionShock    = 1
	ConditionTemp     = 2
	ConditionHumidity = 3
	ConditionAny      = 4
)

// ValidCondition reports whether code is in the defined enumeration.
func ValidCondition(code int) bool {
	return code >= ConditionNone && code <= ConditionAny
}

type Shipment struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	DeviceID    string `json:"device_id"`
	ClaimStatus string `json:"claim_status" enum:"created,monitoring,evaluating,approved,rejected"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Escrow holds the immutable conditional-payment parameters for a shipment.
// Sequence is the ledger-side handle assigned once at creation.
type Escrow struct {
	ShipmentID    string  `json:"shipment_id"`
	Premium       float64 `json:"premium"`
	Payout        float64 `json:"payout"`
	Condition     int     `json:"condition"`
	SourceAccount string  `json:"source_account"`
	Destination   string  `json:"destination"`
	ReturnAccount string  `json:"return_account"`
	Sequence      uint32  `json:"sequence"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// TelemetryReading is one timestamped sensor sample. Seq is the arrival order
// assigned by the store and breaks timestamp ties.
type TelemetryReading struct {
	Seq        int64   `json:"-"`
	ShipmentID string  `json:"shipment_id"`
	Timestamp  string  `json:"timestamp" format:"date-time"`
	Shock      float64 `json:"shock"`
	Temp       float64 `json:"temp"`
	Humidity   float64 `json:"hum"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type ClaimEvaluation struct {
	ID          string  `json:"id"`
	ShipmentID  string  `json:"shipment_id"`
	Outcome     string  `json:"outcome" enum:"pending,approved,rejected"`
	Dimension   string  `json:"dimension,omitempty"`
	EvaluatedAt string  `json:"evaluated_at" format:"date-time"`
	TxRef       *string `json:"tx_ref,omitempty"`
}

// User carries the ledger account defaults bootstrapped for an owner.
type User struct {
	ID            string `json:"id"`
	Account       string `json:"account"`
	ReturnAccount string `json:"return_account"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	DeviceID  string `json:"device_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ShipmentID string `json:"shipment_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
