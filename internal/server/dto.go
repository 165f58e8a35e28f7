package server

// Request payloads

type CreateEscrowRequest struct {
	Premium       float64 `json:"premium"`
	Payout        float64 `json:"payout"`
	Condition     int     `json:"condition" minimum:"0" maximum:"4"`
	Destination   string  `json:"destination"`
	ReturnAddress string  `json:"return_address"`
	CustomerSeed  string  `json:"customer_seed"`
	ShipmentName  string  `json:"shipment_name"`
	DeviceID      string  `json:"device_id"`
}

type AppendTelemetryRequest struct {
	Timestamp string  `json:"timestamp,omitempty" format:"date-time"`
	Shock     float64 `json:"shock"`
	Temp      float64 `json:"temp"`
	Humidity  float64 `json:"hum"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
}

type InitUserDefaultsRequest struct {
	Account       string `json:"account,omitempty"`
	ReturnAddress string `json:"return_address,omitempty"`
}

// Response payloads

type CreateEscrowResponse struct {
	ShipmentID string `json:"shipment_id"`
}

type ShipmentSummary struct {
	ShipmentName   string `json:"shipment_name"`
	DeviceID       string `json:"device_id"`
	ClaimStatus    string `json:"claim_status" enum:"created,monitoring,evaluating,approved,rejected"`
	EscrowSequence uint32 `json:"escrow_sequence"`
}

type SensorEvents struct {
	Temp  float64 `json:"temp"`
	Hum   float64 `json:"hum"`
	Shock float64 `json:"shock"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ShipmentEventsResponse struct {
	Events      SensorEvents `json:"events"`
	Location    Location     `json:"location"`
	Timestamp   string       `json:"timestamp,omitempty" format:"date-time"`
	ClaimStatus string       `json:"claim_status" enum:"created,monitoring,evaluating,approved,rejected"`
}

type EscrowDetail struct {
	Premium       float64 `json:"premium"`
	Payout        float64 `json:"payout"`
	Condition     int     `json:"condition"`
	Destination   string  `json:"destination"`
	ReturnAddress string  `json:"return_address"`
	Sequence      uint32  `json:"sequence"`
}

type ShipmentDetailResponse struct {
	ShipmentID   string       `json:"shipment_id"`
	ShipmentName string       `json:"shipment_name"`
	DeviceID     string       `json:"device_id"`
	ClaimStatus  string       `json:"claim_status" enum:"created,monitoring,evaluating,approved,rejected"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	Escrow       EscrowDetail `json:"escrow"`
	ShockValues  []float64    `json:"shock_values"`
	Events       SensorEvents `json:"events"`
	Location     Location     `json:"location"`
	Timestamp    string       `json:"timestamp,omitempty" format:"date-time"`
}

type EvaluateResponse struct {
	ClaimStatus string `json:"claim_status" enum:"created,monitoring,evaluating,approved,rejected"`
	Dimension   string `json:"dimension,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

type UserInfoResponse struct {
	UserID        string `json:"user_id"`
	Account       string `json:"account"`
	ReturnAddress string `json:"return_address"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}
