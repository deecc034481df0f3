// ABOUTME: Tests for MockStore specific behaviour
// ABOUTME: Covers failure injection and isolation of returned copies

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_FailureInjection(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	_, err := s.CreateConversationIfAbsent(ctx, newConversation("cv_1", "alice", "bob", ""))
	require.NoError(t, err)

	s.SetFailure(func(op string) error {
		if op == "ListMessages" {
			return ErrUnavailable
		}
		return nil
	})

	_, err = s.ListMessages(ctx, "cv_1", MessageQuery{})
	assert.True(t, IsUnavailable(err))

	_, err = s.GetConversation(ctx, "cv_1")
	assert.NoError(t, err, "other operations are unaffected")

	s.SetFailure(nil)
	_, err = s.ListMessages(ctx, "cv_1", MessageQuery{})
	assert.NoError(t, err)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	_, err := s.CreateConversationIfAbsent(ctx, newConversation("cv_1", "alice", "bob", ""))
	require.NoError(t, err)

	conv, err := s.GetConversation(ctx, "cv_1")
	require.NoError(t, err)
	conv.UnreadCounts["alice"] = 50
	conv.ParticipantIDs[0] = "mallory"

	again, err := s.GetConversation(ctx, "cv_1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.UnreadCounts["alice"])
	assert.Equal(t, "alice", again.ParticipantIDs[0])
}
