// ABOUTME: Tests for NATS subject mapping and, when a server is available, delivery
// ABOUTME: Set TENANTLINE_TEST_NATS_URL to run the integration test

package notify

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{ConversationTopic("cv_0123abcd"), "tenantline.conversation.cv_0123abcd"},
		{ParticipantTopic("tenant.42@example.com"), "tenantline.participant.tenant%2E42@example%2Ecom"},
		{ParticipantTopic("a b*>"), "tenantline.participant.a%20b%2A%3E"},
		{ParticipantTopic("100%"), "tenantline.participant.100%25"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectFor(tt.topic), tt.topic)
	}
}

func TestNATSBus_Integration(t *testing.T) {
	url := os.Getenv("TENANTLINE_TEST_NATS_URL")
	if url == "" {
		t.Skip("TENANTLINE_TEST_NATS_URL not set")
	}

	b, err := NewNATSBus(url, nil)
	require.NoError(t, err)
	defer b.Close()

	topic := ParticipantTopic("tenant.42@example.com")
	ch, cancel, err := b.Subscribe(t.Context(), topic)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(t.Context(), topic, change("cv_1")))
	assert.Equal(t, "cv_1", receive(t, ch).ConversationID)
}
