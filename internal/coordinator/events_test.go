package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventDeviceAvailable, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventDeviceAvailable, Data: DevicePayload{DeviceID: "D1", Name: "Balcony"}})

	if received.Type != EventDeviceAvailable {
		t.Errorf("type = %q, want %q", received.Type, EventDeviceAvailable)
	}
	if received.DeviceID() != "D1" {
		t.Errorf("device = %q, want D1", received.DeviceID())
	}
}

func TestEventAccessors(t *testing.T) {
	tests := []struct {
		name       string
		event      Event
		wantDevice string
		wantCh     int
		wantFields map[string]interface{}
	}{
		{
			"device", Event{Type: EventDeviceRemoved, Data: DevicePayload{DeviceID: "D1", Name: "Balcony"}},
			"D1", -1, map[string]interface{}{"device_id": "D1", "name": "Balcony"},
		},
		{
			"watering", Event{Type: EventWateringTriggered, Data: ChannelPayload{DeviceID: "D1", ChannelID: 0, Amount: 120}},
			"D1", 0, map[string]interface{}{"device_id": "D1", "channel_id": 0, "amount": 120.0},
		},
		{
			"config", Event{Type: EventChannelConfigUpdated, Data: ChannelPayload{DeviceID: "D2", ChannelID: 3, ManualWaterAmount: 80, AutomaticWaterAmount: 60}},
			"D2", 3, map[string]interface{}{"device_id": "D2", "channel_id": 3, "manual_water_amount": 80.0, "automatic_water_amount": 60.0},
		},
		{
			"snapshot", Event{Type: EventSnapshotPublished, Data: SnapshotPayload{Seq: 4, Available: 2, Unavailable: 1}},
			"", -1, map[string]interface{}{"seq": uint64(4), "available": 2, "unavailable": 1, "removed": 0},
		},
		{
			"refresh failed", Event{Type: EventRefreshFailed, Data: RefreshFailedPayload{Error: "boom", ConsecutiveFailures: 2, Auth: true}},
			"", -1, map[string]interface{}{"error": "boom", "consecutive_failures": 2, "auth": true},
		},
		{
			"untyped", Event{Type: "custom", Data: 42},
			"", -1, map[string]interface{}{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.DeviceID(); got != tt.wantDevice {
				t.Errorf("DeviceID() = %q, want %q", got, tt.wantDevice)
			}
			if got := tt.event.ChannelID(); got != tt.wantCh {
				t.Errorf("ChannelID() = %d, want %d", got, tt.wantCh)
			}
			got := tt.event.Fields()
			if len(got) != len(tt.wantFields) {
				t.Errorf("Fields() = %v, want %v", got, tt.wantFields)
			}
			for k, want := range tt.wantFields {
				if got[k] != want {
					t.Errorf("Fields()[%q] = %v (%T), want %v (%T)", k, got[k], got[k], want, want)
				}
			}
		})
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventDeviceAvailable, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventDeviceUnavailable, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAvailable})
	eb.Emit(Event{Type: EventDeviceUnavailable})
	eb.Emit(Event{Type: EventSnapshotPublished})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventDeviceAvailable, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAvailable})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventDeviceAvailable})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAvailable})
	unsub()
	eb.Emit(Event{Type: EventDeviceAvailable})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	// One handler panics; the other must still run.
	eb.On(EventDeviceAvailable, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventDeviceAvailable, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAvailable})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventSnapshotPublished})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusMultipleHandlersSameType(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.On(EventDeviceAvailable, func(e Event) { count.Add(1) })
	eb.On(EventDeviceAvailable, func(e Event) { count.Add(1) })
	eb.On(EventDeviceAvailable, func(e Event) { count.Add(1) })

	eb.Emit(Event{Type: EventDeviceAvailable})

	if count.Load() != 3 {
		t.Errorf("got %d, want 3", count.Load())
	}
}
