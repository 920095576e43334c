package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestEventHeaders(t *testing.T) {
	headers := EventHeaders("evt-1", "booking.appointment.booked.v1", "org-1")
	assert.Equal(t, []kafka.Header{
		{Key: HeaderEventID, Value: []byte("evt-1")},
		{Key: HeaderEventType, Value: []byte("booking.appointment.booked.v1")},
		{Key: HeaderOrganizationID, Value: []byte("org-1")},
	}, headers)
	assert.Len(t, EventHeaders("evt-1", "t", ""), 2)
}

func TestInjectTraceHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: "event_id", Value: []byte("x")}})
	carrier := kafkaHeaderCarrier{headers: headers}
	assert.NotEmpty(t, carrier.Get("traceparent"))
	assert.Equal(t, "x", carrier.Get("event_id"))
}

func TestReadyCheckWithoutBrokers(t *testing.T) {
	assert.EqualError(t, ReadyCheck(" , ")(context.Background()), "kafka brokers not configured")
}
