package anaf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
)

// StubGateway replaces the real SPV in dev so the pipeline can be exercised
// end to end without credentials. Every upload is accepted and reaches the
// terminal "ok" status after a configurable number of polls.
type StubGateway struct {
	// PollsUntilOK is how many status calls return "in prelucrare" before
	// the stub flips to "ok". Zero means immediately accepted.
	PollsUntilOK int

	seq   atomic.Int64
	mu    sync.Mutex
	polls map[string]int
}

// NewStubGateway creates a stub that accepts after one in-flight poll.
func NewStubGateway() *StubGateway {
	return &StubGateway{PollsUntilOK: 1, polls: make(map[string]int)}
}

func (s *StubGateway) Upload(ctx context.Context, xmlBytes []byte) (string, error) {
	_ = xmlBytes
	return fmt.Sprintf("STUB-%06d", s.seq.Add(1)), nil
}

func (s *StubGateway) CheckStatus(ctx context.Context, uploadIndex string) ([]byte, error) {
	s.mu.Lock()
	s.polls[uploadIndex]++
	n := s.polls[uploadIndex]
	s.mu.Unlock()

	// Responses carry the real status namespace so the codec decodes stub
	// output the same way as SPV output.
	if n <= s.PollsUntilOK {
		return []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="in prelucrare"/>`), nil
	}
	return []byte(`<header xmlns="` + ubl.NsStatusResponse + `" stare="ok" id_descarcare="` +
		uploadIndex + `-DL"/>`), nil
}
