package events

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestEncodeMessageKeysByEntity(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	msg, err := encodeMessage(context.Background(), Event{
		Type:       OrderFulfilled,
		Key:        "ord_1",
		Actor:      "manager",
		OccurredAt: at,
		Payload:    map[string]string{"orderNumber": "WO-2026-0001"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ord_1", string(msg.Key))
	assert.True(t, at.Equal(msg.Time))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "order.fulfilled", decoded["type"])

	carrier := headerCarrier{headers: msg.Headers}
	assert.Equal(t, "order.fulfilled", carrier.Get("event-type"))
}

func TestEncodeMessageCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	msg, err := encodeMessage(ctx, Event{Type: OrderCreated, Key: "ord_2"})
	require.NoError(t, err)

	carrier := headerCarrier{headers: msg.Headers}
	assert.NotEmpty(t, carrier.Get("traceparent"))
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}

func TestKafkaPublishIsBoundedWhenBrokerHangs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	publisher := NewKafkaPublisher(ln.Addr().String(), "depotflow.events", nil)
	publisher.timeout = 200 * time.Millisecond
	t.Cleanup(func() { _ = publisher.Close() })

	// Accept connections and never answer.
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now()
	err = publisher.Publish(ctx, Event{Type: OrderFulfilled, Key: "ord_1", OccurredAt: started})
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second)
}
