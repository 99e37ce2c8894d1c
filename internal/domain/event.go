package domain

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of events the daemon reacts to.
type EventType string

const (
	EventMarketOpen            EventType = "MARKET_OPEN"
	EventPreMarketPrep         EventType = "PRE_MARKET_PREP"
	EventMarketClose           EventType = "MARKET_CLOSE"
	EventEndOfDayReflection    EventType = "END_OF_DAY_REFLECTION"
	EventScheduledCheck        EventType = "SCHEDULED_CHECK"
	EventWeeklyLearning        EventType = "WEEKLY_LEARNING"
	EventOrderFilled           EventType = "ORDER_FILLED"
	EventOrderStatusChanged    EventType = "ORDER_STATUS_CHANGED"
	EventPositionStopApproach  EventType = "POSITION_STOP_APPROACHING"
	EventUnderlyingSignifMove  EventType = "UNDERLYING_SIGNIFICANT_MOVE"
	EventBrokerDisconnected    EventType = "BROKER_DISCONNECTED"
	EventBrokerReconnected     EventType = "BROKER_RECONNECTED"
	EventStaleMarketData       EventType = "STALE_MARKET_DATA"
	EventExperimentResultReady EventType = "EXPERIMENT_RESULT_READY"
	EventAnomalyDetected       EventType = "ANOMALY_DETECTED"
)

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	switch t {
	case EventMarketOpen, EventPreMarketPrep, EventMarketClose,
		EventEndOfDayReflection, EventScheduledCheck, EventWeeklyLearning,
		EventOrderFilled, EventOrderStatusChanged, EventPositionStopApproach,
		EventUnderlyingSignifMove, EventBrokerDisconnected, EventBrokerReconnected,
		EventStaleMarketData, EventExperimentResultReady, EventAnomalyDetected:
		return true
	}
	return false
}

// Critical events jump the queue when a consumer is idle.
func (t EventType) Critical() bool {
	switch t {
	case EventOrderFilled, EventBrokerDisconnected, EventStaleMarketData:
		return true
	}
	return false
}

// EventState is the durable queue state of an event row.
type EventState string

const (
	EventPending    EventState = "pending"
	EventProcessing EventState = "processing"
	EventDone       EventState = "done"
	EventFailed     EventState = "failed"
)

// Event is one durable queue row. ScheduledFor is set only for
// calendar-emitted events and backs the (type, scheduled_for) dedup index.
type Event struct {
	ID           string
	Type         EventType
	Payload      json.RawMessage
	State        EventState
	Priority     int
	Retries      int
	CreatedAt    time.Time
	ScheduledFor time.Time
	ProcessedAt  time.Time
	LastError    string
}

// OrderFilledPayload is the payload of ORDER_FILLED events.
type OrderFilledPayload struct {
	BrokerOrderID int64  `json:"broker_order_id"`
	ExecutionID   string `json:"execution_id"`
	Symbol        string `json:"symbol"`
	FilledQty     int    `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
}

// OrderStatusPayload is the payload of ORDER_STATUS_CHANGED events.
type OrderStatusPayload struct {
	BrokerOrderID int64  `json:"broker_order_id"`
	Status        string `json:"status"`
	FilledQty     int    `json:"filled_qty"`
	Remaining     int    `json:"remaining"`
}

// AnomalyPayload is the payload of ANOMALY_DETECTED events.
type AnomalyPayload struct {
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	HardBlock bool   `json:"hard_block"`
}
