package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesReliableDelivery(t *testing.T) {
	assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	assert.False(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
}

func TestCapabilitiesInstanceScopedReplies(t *testing.T) {
	tests := []struct {
		caps Capabilities
		want bool
	}{
		{ChannelCapabilities, false},
		{NATSCapabilities, false},
		{KafkaCapabilities, true},
		{RabbitMQCapabilities, true},
		{AWSCapabilities, true},
		{HTTPCapabilities, true},
	}
	for _, tt := range tests {
		t.Run(tt.caps.Name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.NeedsInstanceScopedReplies())
		})
	}
}

func TestOnlyNATSReportsConnectionEvents(t *testing.T) {
	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities, AWSCapabilities, HTTPCapabilities} {
		assert.False(t, caps.SupportsConnectionEvents, caps.Name)
	}
	assert.True(t, NATSCapabilities.SupportsConnectionEvents)
}
