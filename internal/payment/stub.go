package payment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StubClient is an in-memory payment adapter for local runs and tests. It
// records exactly one settled result per idempotency key, so duplicate
// charges with the same key return the original outcome.
type StubClient struct {
	mu          sync.Mutex
	settled     map[string]Result // by idempotency key
	attempts    map[string]int    // charge calls per key, including failed transports
	declineOver decimal.Decimal
	declineNext string // decline reason for the next charge, if set
	outages     int    // remaining charge calls to fail with a transport error
	holdNext    bool   // next charge settles nothing until Settle resolves it
	held        map[string]decimal.Decimal
}

// NewStubClient returns a stub that declines any charge above declineOver
// (zero disables the limit).
func NewStubClient(declineOver decimal.Decimal) *StubClient {
	return &StubClient{
		settled:     make(map[string]Result),
		attempts:    make(map[string]int),
		held:        make(map[string]decimal.Decimal),
		declineOver: declineOver,
	}
}

// DeclineNext makes the next charge return an explicit decline.
func (s *StubClient) DeclineNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineNext = reason
}

// FailNext makes the next n charge calls fail with a transient transport
// error before the provider records anything.
func (s *StubClient) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outages = n
}

// HoldNext makes the next charge neither succeed nor decline: the transport
// errors out but the provider keeps the attempt pending, so only GetStatus
// can resolve it later via Settle.
func (s *StubClient) HoldNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdNext = true
}

// Settle resolves a held attempt, as the provider eventually would.
func (s *StubClient) Settle(idempotencyKey string, outcome Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[idempotencyKey]; !ok {
		return
	}
	delete(s.held, idempotencyKey)
	res := Result{Status: outcome, Reason: reason}
	if outcome == StatusSucceeded {
		res.Ref = "pay_" + uuid.NewString()
	}
	s.settled[idempotencyKey] = res
}

func (s *StubClient) Charge(ctx context.Context, idempotencyKey string, amount decimal.Decimal, method string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[idempotencyKey]++

	// Provider-side idempotency: a settled key always returns its original
	// result, whatever the request looks like.
	if res, ok := s.settled[idempotencyKey]; ok {
		return res, nil
	}

	if s.outages > 0 {
		s.outages--
		return Result{}, status.Error(codes.Unavailable, "payment gateway unavailable")
	}

	if s.holdNext {
		s.holdNext = false
		s.held[idempotencyKey] = amount
		return Result{}, status.Error(codes.DeadlineExceeded, "payment gateway timed out")
	}

	if s.declineNext != "" {
		reason := s.declineNext
		s.declineNext = ""
		res := Result{Status: StatusDeclined, Reason: reason}
		s.settled[idempotencyKey] = res
		return res, nil
	}

	if !s.declineOver.IsZero() && amount.GreaterThan(s.declineOver) {
		res := Result{Status: StatusDeclined, Reason: "amount exceeds limit"}
		s.settled[idempotencyKey] = res
		return res, nil
	}

	res := Result{Status: StatusSucceeded, Ref: "pay_" + uuid.NewString()}
	s.settled[idempotencyKey] = res
	slog.InfoContext(ctx, "charge captured", "idempotency_key", idempotencyKey, "amount", amount.String())
	return res, nil
}

func (s *StubClient) GetStatus(ctx context.Context, idempotencyKey string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.settled[idempotencyKey]; ok {
		return res, nil
	}
	if _, ok := s.held[idempotencyKey]; ok {
		return Result{Status: StatusStillProcessing}, nil
	}
	return Result{Status: StatusStillProcessing}, nil
}

// SucceededCharges counts the keys that settled successfully.
func (s *StubClient) SucceededCharges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, res := range s.settled {
		if res.Status == StatusSucceeded {
			n++
		}
	}
	return n
}

// ChargeCalls returns how many Charge calls were made for a key.
func (s *StubClient) ChargeCalls(idempotencyKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[idempotencyKey]
}
