package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
)

type mockSyncer struct{ mock.Mock }

func (m *mockSyncer) Sync(ctx context.Context, id uint64) error {
	return m.Called(ctx, id).Error(0)
}

func TestHandleMessage(t *testing.T) {
	s := &mockSyncer{}
	s.On("Sync", mock.Anything, uint64(42)).Return(nil).Once()

	err := handleMessage(context.Background(), []byte(`{"account_id":42,"requested_at":"2026-05-01T10:00:00Z"}`), s, time.Second)
	assert.NoError(t, err)
	s.AssertExpectations(t)
}

func TestHandleMessageRejectsBadPayloads(t *testing.T) {
	s := &mockSyncer{}

	assert.Error(t, handleMessage(context.Background(), []byte(`not json`), s, time.Second))
	assert.Error(t, handleMessage(context.Background(), []byte(`{}`), s, time.Second))
	s.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything)
}

func TestHandleMessagePropagatesSyncError(t *testing.T) {
	s := &mockSyncer{}
	s.On("Sync", mock.Anything, uint64(7)).Return(errors.New("provider down"))

	err := handleMessage(context.Background(), []byte(`{"account_id":7}`), s, 0)
	assert.EqualError(t, err, "provider down")
}

func TestShouldRequeue(t *testing.T) {
	transient := fmt.Errorf("sync account 7: %w", apperror.Upstream(true, errors.New("503 from provider")))
	permanent := apperror.NotFound("unknown subject")

	assert.True(t, shouldRequeue(transient, false))
	assert.False(t, shouldRequeue(transient, true), "second failure goes to reconciliation")
	assert.False(t, shouldRequeue(permanent, false))
	assert.False(t, shouldRequeue(errors.New("unmarshal: bad json"), false))
	assert.True(t, shouldRequeue(errors.Join(transient, context.DeadlineExceeded), false))
}
