package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/artifact"
	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/negotiation"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/plan"
)

// Record is the engine's view of one intent's lifecycle: the intent itself,
// its current status, and pointers to whatever plan/artifact have been
// produced for it so far.
type Record struct {
	Intent     intent.Intent
	Status     intent.Status
	PlanID     *uuid.UUID
	ArtifactID *uuid.UUID
	Error      *string
}

// store holds every intent/plan/artifact/negotiation-session the engine
// knows about behind a single RWMutex, mirroring the reference engine's
// shared-state discipline (§5): reads take a read lock, writes take a write
// lock, and long-running work never happens while a lock is held.
type store struct {
	mu sync.RWMutex

	intents   map[uuid.UUID]*Record
	plans     map[uuid.UUID]*plan.Plan
	artifacts map[uuid.UUID]*artifact.Artifact
	sessions  map[uuid.UUID]*negotiation.Session

	// sessionsByIntent indexes the same sessions by the intent they
	// negotiate over, since each intent holds at most one live session.
	sessionsByIntent map[uuid.UUID]*negotiation.Session
}

func newStore() *store {
	return &store{
		intents:          make(map[uuid.UUID]*Record),
		plans:            make(map[uuid.UUID]*plan.Plan),
		artifacts:        make(map[uuid.UUID]*artifact.Artifact),
		sessions:         make(map[uuid.UUID]*negotiation.Session),
		sessionsByIntent: make(map[uuid.UUID]*negotiation.Session),
	}
}

func (s *store) storeIntent(i intent.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[i.ID] = &Record{Intent: i, Status: intent.StatusReceived}
}

func (s *store) getIntent(id uuid.UUID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.intents[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (s *store) updateStatus(id uuid.UUID, status intent.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.intents[id]; ok {
		r.Status = status
	}
}

func (s *store) setError(id uuid.UUID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.intents[id]; ok {
		r.Status = intent.StatusFailed
		r.Error = &msg
	}
}

func (s *store) storePlan(intentID uuid.UUID, p *plan.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	if r, ok := s.intents[intentID]; ok {
		r.PlanID = &p.ID
	}
}

func (s *store) getPlan(id uuid.UUID) (*plan.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	return p, ok
}

func (s *store) storeArtifact(intentID uuid.UUID, a *artifact.Artifact, finalStatus intent.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	if r, ok := s.intents[intentID]; ok {
		r.ArtifactID = &a.ID
		r.Status = finalStatus
	}
}

func (s *store) getArtifact(id uuid.UUID) (*artifact.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	return a, ok
}

func (s *store) storeSession(sess *negotiation.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.sessionsByIntent[sess.Intent.ID] = sess
}

func (s *store) getSession(id uuid.UUID) (*negotiation.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *store) getSessionByIntent(intentID uuid.UUID) (*negotiation.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessionsByIntent[intentID]
	return sess, ok
}

// listReceived returns the ids of every intent currently in Received
// status, read-locked only for the scan itself (the scan-then-dispatch
// pattern: copy ids under the lock, act on them after releasing it).
func (s *store) listReceived() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for id, r := range s.intents {
		if r.Status == intent.StatusReceived {
			ids = append(ids, id)
		}
	}
	return ids
}

// list returns every known record, for the list-intents API.
func (s *store) list() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.intents))
	for _, r := range s.intents {
		out = append(out, *r)
	}
	return out
}

// cancel marks id Cancelled unless it is already in a terminal state, in
// which case it reports nodeerr.KindStateError so the caller maps it to the
// corresponding 409 response.
func (s *store) cancel(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.intents[id]
	if !ok {
		return nodeerr.NewNotFoundError("intent", id.String())
	}
	if r.Status.IsTerminal() {
		return nodeerr.NewStateError("intent " + id.String() + " is already in a terminal state")
	}
	r.Status = intent.StatusCancelled
	return nil
}
