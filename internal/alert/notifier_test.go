package alert

import (
	"errors"
	"strings"
	"testing"

	"colldialer/internal/config"
	"colldialer/internal/errs"
	"colldialer/internal/events"
	"colldialer/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func textContains(parts ...string) interface{} {
	return mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		if !ok || msg.ChatID != 42 {
			return false
		}
		for _, p := range parts {
			if !strings.Contains(msg.Text, p) {
				return false
			}
		}
		return true
	})
}

func setup(t *testing.T) (*mockSender, *events.EventBus) {
	t.Helper()
	sender := new(mockSender)
	n := NewNotifier(sender, 42, nil)
	n.Quiet("upload_page")
	bus := events.NewEventBus()
	n.Subscribe(bus)
	t.Cleanup(func() { sender.AssertExpectations(t) })
	return sender, bus
}

func TestPageFailureAlertsOnlyMandatoryBuckets(t *testing.T) {
	sender, bus := setup(t)
	sender.On("Send", textContains("PAGE UPLOAD FAILED", "b1", "page 2 upload failed")).
		Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, bus.PublishJSON(events.EventPageUploadFailed, events.AlertPayload{
		Bucket: "b1", Day: "2024-03-20", Mandatory: true, Message: "page 2 upload failed: timeout",
	}))
	require.NoError(t, bus.PublishJSON(events.EventPageUploadFailed, events.AlertPayload{
		Bucket: "b2", Day: "2024-03-20", Mandatory: false, Message: "page 1 upload failed: timeout",
	}))
}

func TestDispatchFinishedAlertsOnMandatoryFailure(t *testing.T) {
	sender, bus := setup(t)
	sender.On("Send", textContains("DISPATCH FINISHED", "FAILURE", "failed=1")).
		Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, bus.PublishJSON(events.EventDispatchFinished, events.AlertPayload{
		Bucket: "b1", Status: models.TaskStatusSuccess, Mandatory: true, Counts: events.Counts{Pages: 3},
	}))
	require.NoError(t, bus.PublishJSON(events.EventDispatchFinished, events.AlertPayload{
		Bucket: "b3", Status: models.TaskStatusFailure, Mandatory: false, Counts: events.Counts{Pages: 3, Failed: 1},
	}))
	require.NoError(t, bus.PublishJSON(events.EventDispatchFinished, events.AlertPayload{
		Bucket: "b1", Status: models.TaskStatusFailure, Mandatory: true, Counts: events.Counts{Pages: 3, Failed: 1},
	}))
}

func TestDiscrepancyAlwaysAlerts(t *testing.T) {
	sender, bus := setup(t)
	sender.On("Send", textContains("DISCREPANCY FOUND", "vendor=10", "local=7")).
		Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, bus.PublishJSON(events.EventDiscrepancyFound, events.AlertPayload{
		Bucket: "b4", Counts: events.Counts{Vendor: 10, Local: 7},
	}))
}

func TestJobFailureAlerts(t *testing.T) {
	sender, bus := setup(t)
	sender.On("Send", textContains("JOB FAILED", "pull_call")).Return(tgbotapi.Message{}, nil).Once()
	sender.On("Send", textContains("JOB FAILED", "upload_page", "structural")).Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, bus.PublishJSON(events.EventJobFailed, events.JobFailedPayload{
		JobID: "j1", Handler: "pull_call", Attempt: 4, Kind: string(errs.KindTransient), Error: "timeout",
	}))
	// quiet handlers alert through their own events unless the failure is a bug
	require.NoError(t, bus.PublishJSON(events.EventJobFailed, events.JobFailedPayload{
		JobID: "j2", Handler: "upload_page", Attempt: 4, Kind: string(errs.KindTransient), Error: "timeout",
	}))
	require.NoError(t, bus.PublishJSON(events.EventJobFailed, events.JobFailedPayload{
		JobID: "j3", Handler: "upload_page", Attempt: 1, Kind: string(errs.KindStructural), Error: "bad payload",
	}))
}

func TestSendErrorIsReturned(t *testing.T) {
	sender := new(mockSender)
	n := NewNotifier(sender, 42, nil)
	sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("flood")).Once()

	assert.Error(t, n.Send("hello"))
	sender.AssertExpectations(t)
}

func TestLogOnlyNotifier(t *testing.T) {
	n, err := FromConfig(config.AlertsConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, n.Send("hello"))
}

func TestFormatAlert(t *testing.T) {
	got := FormatAlert(events.EventDispatchFinished, events.AlertPayload{
		Bucket: "b1", Day: "2024-03-20", Status: "FAILURE", Message: "1 of 3 pages failed",
		Counts: events.Counts{Pages: 3, Failed: 1},
	})
	assert.Equal(t, "[DISPATCH FINISHED] b1 2024-03-20 (FAILURE)\n1 of 3 pages failed\npages=3 failed=1", got)
}
