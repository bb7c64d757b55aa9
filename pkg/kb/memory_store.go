package kb

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// MemoryStore is an in-process KnowledgeBase.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*contracts.Proposal
	policies  map[string]contracts.Policy
	order     []string
	decisions map[string]*contracts.HumanDecision
	log       []contracts.LearningLogEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]*contracts.Proposal),
		policies:  make(map[string]contracts.Policy),
		decisions: make(map[string]*contracts.HumanDecision),
	}
}

var _ KnowledgeBase = (*MemoryStore)(nil)

func (s *MemoryStore) AddProposal(_ context.Context, p *contracts.Proposal) error {
	if err := validateProposal(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (*contracts.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, notFound("proposal", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdateProposalStatus(_ context.Context, id string, status contracts.ProposalStatus, decisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return notFound("proposal", id)
	}
	p.Status = status
	p.DecisionID = decisionID
	return nil
}

func (s *MemoryStore) AddPolicy(_ context.Context, p contracts.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.policies[p.Code]; ok {
		return checkPolicyAppend(existing, p)
	}
	s.policies[p.Code] = p
	s.order = append(s.order, p.Code)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Policy, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.policies[c])
	}
	return out, nil
}

func (s *MemoryStore) AddHumanDecision(_ context.Context, d *contracts.HumanDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDecisionLocked(d)
}

func (s *MemoryStore) addDecisionLocked(d *contracts.HumanDecision) error {
	if d == nil || d.ID == "" {
		return contracts.NewError(contracts.CodePersistenceFailure, "decision must have an id")
	}
	if _, ok := s.decisions[d.ID]; ok {
		return contracts.NewError(contracts.CodePersistenceFailure, "decision %s already stored", d.ID)
	}
	cp := *d
	s.decisions[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetHumanDecision(_ context.Context, id string) (*contracts.HumanDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, notFound("decision", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) AppendLearningLog(_ context.Context, e *contracts.LearningLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *MemoryStore) appendLocked(e *contracts.LearningLogEntry) error {
	if err := s.sealLocked(e); err != nil {
		return err
	}
	s.log = append(s.log, *e)
	return nil
}

// sealLocked assigns the next sequence and chain hashes without appending.
func (s *MemoryStore) sealLocked(e *contracts.LearningLogEntry) error {
	if e == nil {
		return contracts.NewError(contracts.CodePersistenceFailure, "nil learning log entry")
	}
	var prev string
	var seq uint64 = 1
	if n := len(s.log); n > 0 {
		prev = s.log[n-1].EntryHash
		seq = s.log[n-1].Sequence + 1
	}
	e.Sequence = seq
	if err := seal(e, prev); err != nil {
		return persistence(err, "append learning log")
	}
	return nil
}

func (s *MemoryStore) ListLearningLog(_ context.Context, afterSeq uint64, limit int) ([]contracts.LearningLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Sequence > afterSeq })
	out := make([]contracts.LearningLogEntry, 0, len(s.log)-i)
	for ; i < len(s.log); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.log[i])
	}
	return out, nil
}

func (s *MemoryStore) CommitTransition(_ context.Context, t Transition) error {
	if err := validateProposal(t.Proposal); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Decision != nil {
		if t.Decision.ID == "" {
			return contracts.NewError(contracts.CodePersistenceFailure, "decision must have an id")
		}
		if _, ok := s.decisions[t.Decision.ID]; ok {
			return contracts.NewError(contracts.CodePersistenceFailure, "decision %s already stored", t.Decision.ID)
		}
	}
	if t.Entry != nil {
		if err := s.sealLocked(t.Entry); err != nil {
			return err
		}
	}
	// Every check and the seal are done; nothing below can fail.
	if t.Decision != nil {
		cp := *t.Decision
		s.decisions[t.Decision.ID] = &cp
	}
	s.proposals[t.Proposal.ID] = t.Proposal.Clone()
	if t.Entry != nil {
		s.log = append(s.log, *t.Entry)
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ProposalCount: len(s.proposals), PolicyCount: len(s.policies)}
	if st.ProposalCount == 0 {
		return st, nil
	}
	var total int
	for _, p := range s.proposals {
		total += utf8.RuneCountInString(p.Title) + utf8.RuneCountInString(p.Context) + utf8.RuneCountInString(p.Decision)
	}
	st.MeanLength = float64(total) / float64(st.ProposalCount)
	return st, nil
}
