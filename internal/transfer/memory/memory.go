// Package memory is an in-process burn/mint service for tests and the
// simulator.
package memory

import (
	"context"
	"errors"
	"sync"

	"openwork/internal/transfer"
)

var ErrUnavailable = errors.New("capability unavailable")

// Service accepts every request unless told to fail. Accepted requests are
// minted immediately into per-domain balances.
type Service struct {
	mu       sync.Mutex
	fail     int
	accepted map[string]transfer.Attestation
	order    []transfer.Request
	balances map[uint32]map[string]int64
	calls    int
}

func New() *Service {
	return &Service{
		accepted: map[string]transfer.Attestation{},
		balances: map[uint32]map[string]int64{},
	}
}

// FailNext makes the next n calls fail. A negative n fails until reset.
func (s *Service) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = n
}

func (s *Service) BurnAndRoute(_ context.Context, req transfer.Request) (transfer.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		return transfer.Attestation{}, ErrUnavailable
	}
	if att, ok := s.accepted[req.TransferID]; ok {
		return att, nil
	}
	att := transfer.Attestation{TransferID: req.TransferID, Handle: "att-" + req.TransferID}
	s.accepted[req.TransferID] = att
	s.order = append(s.order, req)
	if s.balances[req.TargetDomain] == nil {
		s.balances[req.TargetDomain] = map[string]int64{}
	}
	s.balances[req.TargetDomain][req.Recipient] += req.Amount
	return att, nil
}

// Accepted returns accepted requests in order, each once.
func (s *Service) Accepted() []transfer.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer.Request(nil), s.order...)
}

// Balance is what recipient has been minted on a domain.
func (s *Service) Balance(domainID uint32, recipient string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[domainID][recipient]
}

func (s *Service) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
