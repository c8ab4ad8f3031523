package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := newTestBus()

	var got []Event
	unsubscribe := bus.Subscribe(SignalGenerated, func(e *Event) {
		got = append(got, *e)
	})

	bus.Emit(SignalGenerated, "signals", map[string]interface{}{
		"signal_id": "sig-1", "symbol": "CDR", "type": "buy", "confidence": 82.0,
	})
	bus.Emit(BarsCollected, "marketdata", map[string]interface{}{"symbol": "CDR"})

	require.Len(t, got, 1, "handler only sees its own type")
	assert.Equal(t, SignalGenerated, got[0].Type)
	assert.Equal(t, "signals", got[0].Module)

	unsubscribe()
	bus.Emit(SignalGenerated, "signals", map[string]interface{}{"signal_id": "sig-2"})
	assert.Len(t, got, 1, "no delivery after unsubscribe")
}

func TestBus_GetTypedData(t *testing.T) {
	bus := newTestBus()

	var captured *Event
	bus.Subscribe(SignalGenerated, func(e *Event) { captured = e })

	bus.Emit(SignalGenerated, "signals", map[string]interface{}{
		"signal_id": "sig-1", "user_id": 7, "symbol": "KGH", "type": "sell", "confidence": 61.5,
	})

	require.NotNil(t, captured)
	typed := captured.GetTypedData()
	require.NotNil(t, typed)

	data, ok := typed.(*SignalEventData)
	require.True(t, ok)
	assert.Equal(t, "sig-1", data.SignalID)
	assert.Equal(t, int64(7), data.UserID)
	assert.Equal(t, "KGH", data.Symbol)
	assert.InDelta(t, 61.5, data.Confidence, 1e-9)
}

func TestBus_SubscribeAll_DropsWhenFull(t *testing.T) {
	bus := newTestBus()

	ch, cancel := bus.SubscribeAll(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Emit(BarsCollected, "marketdata", map[string]interface{}{"n": i})
	}

	// Only the first two fit the buffer; the rest were dropped.
	assert.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, BarsCollected, first.Type)
}

func TestBus_SubscribeAll_CancelCloses(t *testing.T) {
	bus := newTestBus()

	ch, cancel := bus.SubscribeAll(4)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Emitting after cancel must not panic.
	bus.Emit(ConfigReloaded, "config", map[string]interface{}{"changed": true})
}

func TestManager_EmitError(t *testing.T) {
	bus := newTestBus()
	manager := NewManager(bus, zerolog.New(nil).Level(zerolog.Disabled))

	var captured *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { captured = e })

	manager.EmitError("dispatch", assert.AnError, map[string]interface{}{"signal_id": "sig-9"})

	require.NotNil(t, captured)
	typed, ok := captured.GetTypedData().(*ErrorEventData)
	require.True(t, ok)
	assert.Equal(t, assert.AnError.Error(), typed.Error)
	assert.Equal(t, "sig-9", typed.Context["signal_id"])
}
