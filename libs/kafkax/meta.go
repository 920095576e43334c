package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Canonical header keys carried on every published event.
const (
	HeaderEventID        = "event_id"
	HeaderEventType      = "event_type"
	HeaderOrganizationID = "organization_id"
)

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// EventHeaders builds the metadata headers for an outgoing event.
func EventHeaders(eventID, eventType, organizationID string) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(eventID)},
		{Key: HeaderEventType, Value: []byte(eventType)},
	}
	if organizationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderOrganizationID, Value: []byte(organizationID)})
	}
	return headers
}
