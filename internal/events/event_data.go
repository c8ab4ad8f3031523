package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// BarsCollectedData contains data for BarsCollected events
type BarsCollectedData struct {
	Symbol   string `json:"symbol"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
	Source   string `json:"source"`
}

// EventType returns the event type for BarsCollectedData
func (d *BarsCollectedData) EventType() EventType {
	return BarsCollected
}

// ArticlesCollectedData contains data for ArticlesCollected events
type ArticlesCollectedData struct {
	FeedID   string `json:"feed_id"`
	Inserted int    `json:"inserted"`
	Skipped  int    `json:"skipped"`
}

// EventType returns the event type for ArticlesCollectedData
func (d *ArticlesCollectedData) EventType() EventType {
	return ArticlesCollected
}

// ArticleClassifiedData contains data for ArticleClassified events
type ArticleClassifiedData struct {
	ArticleID int64    `json:"article_id"`
	Provider  string   `json:"provider"`
	Sentiment string   `json:"sentiment"`
	Score     float64  `json:"score"`
	Symbols   []string `json:"symbols,omitempty"`
}

// EventType returns the event type for ArticleClassifiedData
func (d *ArticleClassifiedData) EventType() EventType {
	return ArticleClassified
}

// IndicatorsComputedData contains data for IndicatorsComputed events
type IndicatorsComputedData struct {
	Symbol   string `json:"symbol"`
	BarCount int    `json:"bar_count"`
}

// EventType returns the event type for IndicatorsComputedData
func (d *IndicatorsComputedData) EventType() EventType {
	return IndicatorsComputed
}

// SignalEventData contains data for SignalGenerated and SignalSuperseded
// events. Superseded carries the id of the replacement in SupersededBy.
type SignalEventData struct {
	SignalID     string  `json:"signal_id"`
	UserID       int64   `json:"user_id"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
	SupersededBy string  `json:"superseded_by,omitempty"`
}

// EventType returns the event type for SignalEventData
func (d *SignalEventData) EventType() EventType {
	if d.SupersededBy != "" {
		return SignalSuperseded
	}
	return SignalGenerated
}

// DispatchEventData contains data for SignalDispatched and SignalExpired
// events
type DispatchEventData struct {
	SignalID string `json:"signal_id"`
	Channel  string `json:"channel,omitempty"`
	Expired  bool   `json:"expired,omitempty"`
}

// EventType returns the event type for DispatchEventData
func (d *DispatchEventData) EventType() EventType {
	if d.Expired {
		return SignalExpired
	}
	return SignalDispatched
}

// SignalResolvedData contains data for SignalResolved events
type SignalResolvedData struct {
	SignalID        string  `json:"signal_id"`
	Resolution      string  `json:"resolution"`
	RealisedPct     string  `json:"realised_pct,omitempty"`
	HoldingMinutes  int64   `json:"holding_minutes"`
	ExitPrice       string  `json:"exit_price,omitempty"`
	SessionKey      string  `json:"session_key"`
	UserID          int64   `json:"user_id"`
	Symbol          string  `json:"symbol"`
	SignalType      string  `json:"signal_type"`
	ConfidenceAtGen float64 `json:"confidence_at_gen"`
}

// EventType returns the event type for SignalResolvedData
func (d *SignalResolvedData) EventType() EventType {
	return SignalResolved
}

// ScheduleFailedData contains data for ScheduleFailed events
type ScheduleFailedData struct {
	Schedule    string `json:"schedule"`
	Error       string `json:"error"`
	Consecutive int    `json:"consecutive"`
	WillRetry   bool   `json:"will_retry"`
}

// EventType returns the event type for ScheduleFailedData
func (d *ScheduleFailedData) EventType() EventType {
	return ScheduleFailed
}

// ConfigReloadedData contains data for ConfigReloaded events
type ConfigReloadedData struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// EventType returns the event type for ConfigReloadedData
func (d *ConfigReloadedData) EventType() EventType {
	return ConfigReloaded
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Databases int     `json:"databases"`
	Bytes     int64   `json:"bytes"`
	Seconds   float64 `json:"seconds"`
	Bucket    string  `json:"bucket"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// SessionClosedData contains data for SessionClosed events
type SessionClosedData struct {
	SessionKey string `json:"session_key"`
	Resolved   int    `json:"resolved"`
	Expired    int    `json:"expired"`
}

// EventType returns the event type for SessionClosedData
func (d *SessionClosedData) EventType() EventType {
	return SessionClosed
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
