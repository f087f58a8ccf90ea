package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeet-patel/subscription-ledger/internal/gateway"
	"github.com/jeet-patel/subscription-ledger/internal/notify"
)

// FakeGateway records calls and answers with a configurable status.
type FakeGateway struct {
	mu sync.Mutex

	Status  string
	Err     error
	Created []gateway.CreatePaymentRequest
	Charges []gateway.ChargeRequest
	nextID  int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Status: gateway.StatusPending}
}

func (g *FakeGateway) id() string {
	g.nextID++
	return fmt.Sprintf("pay_%03d", g.nextID)
}

func (g *FakeGateway) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Created = append(g.Created, req)
	if g.Err != nil {
		return nil, g.Err
	}
	id := g.id()
	return &gateway.Payment{
		ID:     id,
		Status: gateway.StatusPending,
		Amount: req.Amount,
		Confirmation: &gateway.Confirmation{
			Type:            "redirect",
			ConfirmationURL: "https://gateway.test/confirm/" + id,
		},
		Metadata: req.Metadata,
	}, nil
}

func (g *FakeGateway) ChargeSaved(ctx context.Context, req gateway.ChargeRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges = append(g.Charges, req)
	if g.Err != nil {
		return nil, g.Err
	}
	p := &gateway.Payment{
		ID:            g.id(),
		Status:        g.Status,
		Amount:        req.Amount,
		PaymentMethod: &gateway.PaymentMethod{ID: req.PaymentMethodID, Saved: true},
		Metadata:      req.Metadata,
	}
	if g.Status == gateway.StatusCanceled {
		p.CancellationDetails = &gateway.CancellationDetails{Party: "issuer", Reason: "insufficient_funds"}
	}
	return p, nil
}

// FakeLocker is an in-process named lock.
type FakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewFakeLocker() *FakeLocker {
	return &FakeLocker{held: map[string]bool{}}
}

func (l *FakeLocker) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, errors.New("lock already taken")
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}, nil
}

// RecordingNotifier keeps every receipt it is given.
type RecordingNotifier struct {
	mu       sync.Mutex
	Err      error
	receipts []notify.Receipt
}

func (n *RecordingNotifier) PaymentSucceeded(ctx context.Context, r notify.Receipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, r)
	return n.Err
}

func (n *RecordingNotifier) Receipts() []notify.Receipt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Receipt(nil), n.receipts...)
}
