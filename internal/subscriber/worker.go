package subscriber

import (
	"context"
	"errors"
	"time"

	"twitter2telegram/internal/twitter"
)

// EnqueueRebalance queues a session restart for the credential owning blob.
// Duplicate requests coalesce naturally: each restart snapshots the current
// filter set, so identical enqueues produce identical end states.
func (s *Subscriber) EnqueueRebalance(blob string) {
	s.rebalanceCh <- blob
}

// Run drains the rebalance queue until ctx is cancelled. Requests are
// drained serially; each spawns a worker that replaces any live session for
// its credential under the write lock.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blob := <-s.rebalanceCh:
			if s.OnRebalance != nil {
				s.OnRebalance()
			}
			go s.runWorker(ctx, twitter.Hash(blob))
		}
	}
}

// runWorker owns the streaming sessions of one credential. Each outer
// iteration opens one session pinned to a snapshot of the filter set taken
// under the lock; mutations after the snapshot are observed only by the next
// session.
func (s *Subscriber) runWorker(ctx context.Context, hash string) {
	var owned uint64
	for {
		s.mu.Lock()
		cred, ok := s.tokens[hash]
		if !ok {
			s.mu.Unlock()
			return
		}
		if owned != 0 && cred.session != owned {
			// A newer worker took this credential over.
			s.mu.Unlock()
			return
		}
		if cred.cancel != nil {
			cred.cancel()
		}
		if len(cred.follows) == 0 {
			cred.cancel = nil
			s.mu.Unlock()
			s.log.Info("no accounts assigned, worker exits", "hash", hash)
			return
		}
		follows := append([]int64(nil), cred.follows...)
		tok := cred.token
		sessionCtx, cancel := context.WithCancel(ctx)
		cred.cancel = cancel
		cred.session++
		owned = cred.session
		s.mu.Unlock()

		if !s.runSession(sessionCtx, hash, tok, follows) {
			cancel()
			return
		}
		cancel()
	}
}

// runSession runs one streaming session. It returns true when the worker
// should open a fresh session (transient fault) and false when it must exit
// (cancellation or credential expiry).
func (s *Subscriber) runSession(sessionCtx context.Context, hash string, tok twitter.Token, follows []int64) bool {
	stream, err := s.api.OpenStream(tok, follows)
	if err != nil {
		s.log.Warn("stream open failed", "hash", hash, "err", err)
		return s.handleStreamFault(sessionCtx, hash, tok)
	}
	defer stream.Stop()

	s.log.Info("stream session started", "hash", hash, "accounts", len(follows))
	if s.OnSessionStart != nil {
		s.OnSessionStart()
	}

	for {
		select {
		case <-sessionCtx.Done():
			s.log.Info("stream session cancelled", "hash", hash)
			return false
		case m, ok := <-stream.Messages():
			if !ok {
				s.log.Warn("stream closed by transport", "hash", hash)
				return s.handleStreamFault(sessionCtx, hash, tok)
			}
			select {
			case s.tweetCh <- m:
			case <-sessionCtx.Done():
				return false
			}
		}
	}
}

// handleStreamFault distinguishes a transient transport fault from
// credential expiry. An inconclusive probe counts as transient. Expiry is
// the only path by which a worker removes its own credential; the registry
// is re-checked under the lock because the probe ran without it.
func (s *Subscriber) handleStreamFault(sessionCtx context.Context, hash string, tok twitter.Token) bool {
	valid, err := s.api.CheckToken(tok)
	if err == nil && !valid {
		s.mu.RLock()
		_, present := s.tokens[hash]
		s.mu.RUnlock()
		if present {
			if err := s.RemoveToken(hash); err != nil && !errors.Is(err, ErrUnknownCredential) {
				s.log.Error("remove expired token", "hash", hash, "err", err)
			}
		}
		return false
	}
	if err != nil {
		s.log.Warn("token probe inconclusive, retrying", "hash", hash, "err", err)
	}
	select {
	case <-sessionCtx.Done():
		return false
	case <-time.After(s.retryDelay):
		return true
	}
}
