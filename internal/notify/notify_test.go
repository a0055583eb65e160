package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/mail.v2"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type fakeSender struct {
	sent []*mail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*mail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("smtp down")}

	err := Multi{ok, bad}.Notify(context.Background(), Event{Kind: KindDisputeRaised, OrderID: "o-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestAsync_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	bad := &recorder{err: errors.New("boom")}

	a := NewAsync(bad, logger, time.Second)
	require.NoError(t, a.Notify(context.Background(), Event{Kind: KindDisputeResolved, DisputeID: "d-1"}))
	a.Wait()

	assert.Len(t, bad.events, 1)
	assert.Contains(t, buf.String(), "notification_failed")
}

func TestAsync_SurvivesCallerCancellation(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(NotifierFunc(func(ctx context.Context, e Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return rec.Notify(ctx, e)
	}), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Notify(ctx, Event{Kind: KindEscrowSettled, OrderID: "o-9"}))
	a.Wait()
	assert.Len(t, rec.events, 1)
}

func TestMailNotifier_Send(t *testing.T) {
	sender := &fakeSender{}
	n, err := NewMailNotifierWithSender(MailConfig{From: "escrow@example.com", To: []string{"ops@example.com"}}, sender)
	require.NoError(t, err)

	err = n.Notify(context.Background(), Event{
		Kind:       KindDisputeResolved,
		DisputeID:  "d-7",
		OrderID:    "o-7",
		Status:     "RESOLVED",
		Verdict:    "FAVOR_CUSTOMER",
		ActorID:    "SYSTEM",
		OccurredAt: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, []string{"Dispute d-7 resolved"}, msg.GetHeader("Subject"))
	assert.Equal(t, []string{"ops@example.com"}, msg.GetHeader("To"))
}

func TestMailNotifier_Config(t *testing.T) {
	_, err := NewMailNotifierWithSender(MailConfig{From: "a@example.com"}, &fakeSender{})
	assert.Error(t, err)

	_, err = NewMailNotifier(MailConfig{To: []string{"ops@example.com"}})
	assert.Error(t, err)
}

func TestBody(t *testing.T) {
	body := Body(Event{Kind: KindDisputeUnderReview, DisputeID: "d-1", OrderID: "o-1", ActorID: "SYSTEM", Message: "no rule applied"})
	assert.True(t, strings.Contains(body, "Dispute: d-1"))
	assert.True(t, strings.Contains(body, "no rule applied"))
}
