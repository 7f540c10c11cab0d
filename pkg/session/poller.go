package session

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"chatkit/pkg/actions"
	"chatkit/pkg/auth"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
	"chatkit/pkg/telemetry"
	"chatkit/pkg/transport"
)

// deltaTimeoutSeconds is the server-side long-poll hold passed on every
// delta request.
const deltaTimeoutSeconds = 25

// poller drives the delta protocol. Each poll cycle is one task on the
// history worker, so interactive history fetches interleave between
// cycles instead of starving behind an endless loop. The revision token
// is confined to the worker; folding results into chat state happens on
// the session executor.
type poller struct {
	s       *Session
	client  *actions.Client
	limiter *rate.Limiter

	revision string
}

func newPoller(s *Session, client *actions.Client) *poller {
	return &poller{
		s:       s,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Polling.RatePerSecond), s.cfg.Polling.Burst),
	}
}

// start restores the resume revision and schedules the first cycle.
func (p *poller) start() {
	if rev, ok := p.s.kv.Get(p.s.keyPrefix() + keyRevision); ok {
		p.revision = rev
	}
	p.s.historyQ.Post(p.cycle)
}

// cycle performs one delta request and reschedules itself. It stops
// rescheduling once the delta loop is stopped; session teardown needs
// no separate poller shutdown.
func (p *poller) cycle() {
	if !p.s.dltLoop.Running() {
		return
	}

	// rate cap across immediate has_more re-polls
	if delay := p.limiter.Reserve().Delay(); delay > 0 {
		p.reschedule(delay)
		return
	}

	batch, err := p.client.DeltaSince(p.revision, deltaTimeoutSeconds)
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		return
	case err != nil:
		logger.Warn("delta_poll_failed", "revision", p.revision, "error", err)
		p.s.exec.Post(func() { p.s.checkFatal(err) })
		p.reschedule(p.s.cfg.PollInterval())
		return
	}

	if batch.Revision != "" && batch.Revision != p.revision {
		p.revision = batch.Revision
		if err := p.s.kv.Set(p.s.keyPrefix()+keyRevision, batch.Revision); err != nil {
			logger.Warn("revision_persist_failed", "error", err)
		}
	}

	p.s.exec.Post(func() { p.s.applyDelta(batch) })

	if batch.HasMore {
		p.s.historyQ.Post(p.cycle)
		return
	}
	p.reschedule(p.s.cfg.PollInterval())
}

func (p *poller) reschedule(after time.Duration) {
	time.AfterFunc(after, func() {
		if !p.s.dltLoop.Running() {
			return
		}
		p.s.historyQ.Post(p.cycle)
	})
}

// applyDelta folds one delta batch into chat state. Runs on the
// executor.
func (s *Session) applyDelta(batch models.DeltaBatch) {
	if s.destroyed {
		return
	}
	telemetry.DeltaBatches.Inc()

	if batch.Auth != nil {
		st := auth.State{PageID: batch.Auth.PageID, Token: batch.Auth.Token}
		s.authst.Set(st)
		s.persistAuth(st)
		logger.Info("auth_reissued")
	}

	// Messages tagged history go to the store; live messages go to the
	// holder. A live message that already carries a history position is
	// folded into both so the store stays a superset of everything ever
	// persisted.
	var live, hist []models.Message
	for _, m := range batch.Messages {
		if m.Source == models.SourceHistory {
			hist = append(hist, m)
			continue
		}
		live = append(live, m)
		if m.HasHistoryPosition() {
			hist = append(hist, m)
		}
	}

	if len(hist) > 0 || len(batch.DeletedIDs) > 0 {
		s.hold.ReceiveHistoryUpdate(hist, batch.DeletedIDs)
	}
	for _, id := range batch.DeletedIDs {
		s.hold.RemoveCurrent(id)
	}

	if batch.Chat != nil {
		prev := s.hold.Chat()
		if prev == nil || !models.SameIdentity(batch.Chat, prev) || !batch.Chat.Open() {
			s.hold.Receiving(batch.Chat, prev, live)
			return
		}
		s.hold.Receiving(batch.Chat, prev, mergeLive(s.hold.CurrentChat(), live))
		return
	}
	s.hold.ReceiveMany(live)
}

// mergeLive overlays incremental live messages onto the existing
// current-chat snapshot so Receiving sees a full window.
func mergeLive(current, incoming []models.Message) []models.Message {
	out := current
	for _, m := range incoming {
		replaced := false
		for i := range out {
			if out[i].ClientID == m.ClientID {
				out[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, m)
		}
	}
	return out
}
