package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

func sampleReceipt() Receipt {
	expires := time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)
	return Receipt{
		UserID:      "u1",
		Email:       "u1@example.com",
		PaymentID:   "pay_1",
		ProductID:   "pro-1m",
		ProductName: "Pro Monthly",
		ProductType: models.ProductSubscriptionTier,
		Kind:        models.KindUpgrade,
		Amount:      199050,
		Currency:    "RUB",
		BonusUsed:   300,
		Cashback:    59,
		Tier:        models.TierPro,
		ExpiresAt:   &expires,
	}
}

func testEmailNotifier(send func(e *email.Email) error) *EmailNotifier {
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.test", Port: "25", From: "billing@example.com"})
	n.send = send
	n.buildBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}
	return n
}

func TestEmailNotifier_SendsReceipt(t *testing.T) {
	var sent []*email.Email
	n := testEmailNotifier(func(e *email.Email) error {
		sent = append(sent, e)
		return nil
	})

	require.NoError(t, n.PaymentSucceeded(context.Background(), sampleReceipt()))
	require.Len(t, sent, 1)

	e := sent[0]
	assert.Equal(t, "billing@example.com", e.From)
	assert.Equal(t, []string{"u1@example.com"}, e.To)
	assert.Equal(t, "Your subscription has been upgraded", e.Subject)

	body := string(e.Text)
	assert.Contains(t, body, "Payment pay_1 confirmed.")
	assert.Contains(t, body, "Amount: 1990.50 RUB")
	assert.Contains(t, body, "Bonus points used: 300")
	assert.Contains(t, body, "Cashback earned: 59 points")
	assert.Contains(t, body, "Plan: pro, active until 30 Sep 2024")
}

func TestEmailNotifier_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	n := testEmailNotifier(func(e *email.Email) error {
		attempts++
		if attempts < 3 {
			return errors.New("421 try again later")
		}
		return nil
	})

	require.NoError(t, n.PaymentSucceeded(context.Background(), sampleReceipt()))
	assert.Equal(t, 3, attempts)
}

func TestEmailNotifier_GivesUp(t *testing.T) {
	attempts := 0
	n := testEmailNotifier(func(e *email.Email) error {
		attempts++
		return errors.New("connection refused")
	})

	err := n.PaymentSucceeded(context.Background(), sampleReceipt())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestEmailNotifier_SkipsMissingAddress(t *testing.T) {
	called := false
	n := testEmailNotifier(func(e *email.Email) error {
		called = true
		return nil
	})

	r := sampleReceipt()
	r.Email = ""
	require.NoError(t, n.PaymentSucceeded(context.Background(), r))
	assert.False(t, called)
}

func TestReceiptSubjectAndAmounts(t *testing.T) {
	r := sampleReceipt()
	r.Kind = models.KindRenewal
	assert.Equal(t, "Your subscription has been renewed", receiptSubject(r))
	r.Kind = models.KindPurchase
	assert.Equal(t, "Thank you for your purchase", receiptSubject(r))

	assert.Equal(t, "0.05", formatMinor(5))
	assert.Equal(t, "12.00", formatMinor(1200))
	assert.Equal(t, "-3.10", formatMinor(-310))

	r.ExpiresAt = nil
	r.BonusUsed = 0
	r.Cashback = 0
	body := receiptBody(r)
	assert.False(t, strings.Contains(body, "Plan:"))
	assert.False(t, strings.Contains(body, "Bonus points"))
}

type fakeProducer struct {
	messages []*kafka.Message
	err      error
	deliver  error
	closed   bool
	flushed  bool
}

func (p *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	delivered := *msg
	delivered.TopicPartition.Error = p.deliver
	delivered.TopicPartition.Offset = kafka.Offset(len(p.messages))
	deliveryChan <- &delivered
	return nil
}

func (p *fakeProducer) Flush(timeoutMs int) int {
	p.flushed = true
	return 0
}

func (p *fakeProducer) Close() {
	p.closed = true
}

func TestKafkaNotifier_Publishes(t *testing.T) {
	p := &fakeProducer{}
	k := newKafkaNotifier(p, "")

	require.NoError(t, k.PaymentSucceeded(context.Background(), sampleReceipt()))
	require.Len(t, p.messages, 1)

	msg := p.messages[0]
	assert.Equal(t, DefaultTopic, *msg.TopicPartition.Topic)
	assert.Equal(t, []byte("u1"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "payment_id", msg.Headers[0].Key)

	var decoded Receipt
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "pay_1", decoded.PaymentID)
	assert.Equal(t, int64(199050), decoded.Amount)
	assert.Equal(t, models.KindUpgrade, decoded.Kind)

	k.Close()
	assert.True(t, p.flushed)
	assert.True(t, p.closed)
}

func TestKafkaNotifier_Errors(t *testing.T) {
	k := newKafkaNotifier(&fakeProducer{err: errors.New("queue full")}, "payments")
	assert.Error(t, k.PaymentSucceeded(context.Background(), sampleReceipt()))

	k = newKafkaNotifier(&fakeProducer{deliver: errors.New("broker down")}, "payments")
	err := k.PaymentSucceeded(context.Background(), sampleReceipt())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) PaymentSucceeded(ctx context.Context, r Receipt) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	ok := &stubNotifier{}
	failA := &stubNotifier{err: errors.New("smtp down")}
	failB := &stubNotifier{err: errors.New("kafka down")}

	err := Multi{failA, nil, ok, failB}.PaymentSucceeded(context.Background(), sampleReceipt())
	require.Error(t, err)
	assert.ErrorIs(t, err, failA.err)
	assert.ErrorIs(t, err, failB.err)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Multi{ok}.PaymentSucceeded(context.Background(), sampleReceipt()))
	assert.NoError(t, Multi(nil).PaymentSucceeded(context.Background(), sampleReceipt()))
}
