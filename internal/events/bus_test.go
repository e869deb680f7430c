package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulplan/booking-engine/internal/logging"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryBus(logging.New("dev"))

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)

	handler := HandlerFunc(func(ctx context.Context, event Event) error {
		sc, ok := event.(StatusChanged)
		require.True(t, ok)
		mu.Lock()
		got = append(got, sc.NewStatus)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	bus.Subscribe("booking.status.changed", handler)
	bus.Subscribe("booking.status.changed", handler)

	bus.Publish(context.Background(), StatusChanged{
		BaseEvent:     NewBaseEvent(),
		AppointmentID: uuid.New(),
		NewStatus:     "confirmed",
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler was not invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"confirmed", "confirmed"}, got)
}

func TestBusIgnoresUnsubscribedEvents(t *testing.T) {
	bus := NewInMemoryBus(logging.New("dev"))

	called := make(chan struct{}, 1)
	bus.Subscribe("booking.conversation.stalled", HandlerFunc(func(ctx context.Context, event Event) error {
		called <- struct{}{}
		return nil
	}))

	bus.Publish(context.Background(), StatusChanged{BaseEvent: NewBaseEvent()})

	select {
	case <-called:
		t.Fatal("handler for a different event name must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusSurvivesHandlerErrorsAndPanics(t *testing.T) {
	bus := NewInMemoryBus(logging.New("dev"))

	done := make(chan struct{}, 1)
	bus.Subscribe("booking.status.changed", HandlerFunc(func(ctx context.Context, event Event) error {
		return errors.New("handler error")
	}))
	bus.Subscribe("booking.status.changed", HandlerFunc(func(ctx context.Context, event Event) error {
		panic("handler panic")
	}))
	bus.Subscribe("booking.status.changed", HandlerFunc(func(ctx context.Context, event Event) error {
		done <- struct{}{}
		return nil
	}))

	bus.Publish(context.Background(), StatusChanged{BaseEvent: NewBaseEvent()})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy handler must still run when siblings fail")
	}
}
