package mcp

import (
	"context"
	"sync"
)

// SessionState is the lifecycle position of a transport's session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateActive
	StateReinitializing
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateReinitializing:
		return "reinitializing"
	default:
		return "unknown"
	}
}

// session holds the server-issued session id, the cached initialize request
// and the in-progress reinitialization handle.
type session struct {
	mu         sync.Mutex
	state      SessionState
	id         string
	initMsg    *Message
	reinit     *Future[struct{}]
	generation uint64
}

func (s *session) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// setSessionIDAt stores a server-provided id taken from a response to a
// request sent under generation. Ids from responses that predate a
// reinitialization, or that arrive while one runs and are not part of it,
// are ignored.
func (s *session) setSessionIDAt(id string, generation uint64, fromInit bool) (previous string, changed, ok bool) {
	if id == "" {
		return "", false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation || (s.reinit != nil && !fromInit) {
		return s.id, false, false
	}
	previous = s.id
	s.id = id
	return previous, previous != id, true
}

func (s *session) currentState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// beginInitialize caches msg for later reinitialization.
func (s *session) beginInitialize(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initMsg = msg
	s.state = StateInitializing
}

func (s *session) cachedInitialize() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initMsg
}

// snapshot returns the session id and generation a request is sent under.
func (s *session) snapshot() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.generation
}

// readySnapshot waits for any reinitialization in progress and then returns
// the session id and generation a request is sent under.
func (s *session) readySnapshot(ctx context.Context) (string, uint64, error) {
	for {
		s.mu.Lock()
		f := s.reinit
		if f == nil {
			id, generation := s.id, s.generation
			s.mu.Unlock()
			return id, generation, nil
		}
		s.mu.Unlock()

		if _, err := f.Await(ctx); err != nil {
			return "", 0, err
		}
	}
}

// beginReinitialization installs a new reinitialization handle unless one is
// already in progress. owner is true only for the caller that installed it.
// A request sent under generation sentGen that lost the race to an already
// finished reinitialization gets a nil handle and should replay directly.
func (s *session) beginReinitialization(sentGen uint64) (f *Future[struct{}], owner bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reinit != nil {
		return s.reinit, false
	}
	if s.generation != sentGen {
		return nil, false
	}

	s.reinit = NewFuture[struct{}]()
	s.state = StateReinitializing
	s.id = ""
	return s.reinit, true
}

// finishReinitialization resolves the in-progress handle and clears it.
func (s *session) finishReinitialization(err error) {
	s.mu.Lock()
	f := s.reinit
	s.reinit = nil
	s.generation++
	if err == nil {
		s.state = StateActive
	} else {
		s.state = StateUninitialized
	}
	s.mu.Unlock()

	if f == nil {
		return
	}
	if err != nil {
		f.fail(err)
		return
	}
	f.complete(struct{}{})
}
