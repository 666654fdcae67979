package utils

import (
	"github.com/google/uuid"
)

// GeneratePeerID generates a unique peer ID.
func GeneratePeerID() string {
	return GenerateID("peer")
}

// GenerateTransportID generates a unique transport ID.
func GenerateTransportID() string {
	return GenerateID("transport")
}

// GenerateProducerID generates a unique producer ID.
func GenerateProducerID() string {
	return GenerateID("producer")
}

// GenerateConsumerID generates a unique consumer ID.
func GenerateConsumerID() string {
	return GenerateID("consumer")
}

// GenerateRouterID generates a unique router ID.
func GenerateRouterID() string {
	return GenerateID("router")
}

// GenerateInstanceID generates a unique server instance ID.
func GenerateInstanceID() string {
	return GenerateID("instance")
}

// GenerateID generates a prefixed unique ID.
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
