// Package events provides event management functionality.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Acquisition layer
	BarsCollected      EventType = "BARS_COLLECTED"
	ArticlesCollected  EventType = "ARTICLES_COLLECTED"
	ArticleClassified  EventType = "ARTICLE_CLASSIFIED"
	IndicatorsComputed EventType = "INDICATORS_COMPUTED"

	// Signal lifecycle
	SignalGenerated  EventType = "SIGNAL_GENERATED"
	SignalSuperseded EventType = "SIGNAL_SUPERSEDED"
	SignalDispatched EventType = "SIGNAL_DISPATCHED"
	SignalExpired    EventType = "SIGNAL_EXPIRED"
	SignalResolved   EventType = "SIGNAL_RESOLVED"

	// Operations
	ScheduleFailed  EventType = "SCHEDULE_FAILED"
	ConfigReloaded  EventType = "CONFIG_RELOADED"
	BackupCompleted EventType = "BACKUP_COMPLETED"
	SessionClosed   EventType = "SESSION_CLOSED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event represents a system event. Data carries the payload as a map so the
// websocket stream can forward any event without knowing its type; use
// GetTypedData to recover the typed form.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// GetTypedData attempts to convert the Data map to typed EventData.
// Returns nil when the event type has no registered payload shape.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case BarsCollected:
		var data BarsCollectedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ArticlesCollected:
		var data ArticlesCollectedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ArticleClassified:
		var data ArticleClassifiedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case IndicatorsComputed:
		var data IndicatorsComputedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SignalGenerated, SignalSuperseded:
		var data SignalEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SignalDispatched, SignalExpired:
		var data DispatchEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SignalResolved:
		var data SignalResolvedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ScheduleFailed:
		var data ScheduleFailedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ConfigReloaded:
		var data ConfigReloadedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BackupCompleted:
		var data BackupCompletedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SessionClosed:
		var data SessionClosedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct through
// a JSON round trip.
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
