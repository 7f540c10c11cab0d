package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"chatkit/pkg/actions"
	"chatkit/pkg/auth"
	"chatkit/pkg/config"
	"chatkit/pkg/history"
	"chatkit/pkg/holder"
	"chatkit/pkg/keyval"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
	"chatkit/pkg/retention"
	"chatkit/pkg/tracker"
	"chatkit/pkg/transport"
)

// keyval keys, scoped per account+location by keyPrefix.
const (
	keyPageID   = "page_id"
	keyToken    = "auth_token"
	keyRevision = "revision"
	keyReadTS   = "read_ts"
)

// FatalHandler is invoked once when the server reports an account-level
// failure (blocked account, banned visitor, bad provided credentials).
// The session is already destroyed when it runs.
type FatalHandler func(code string)

// Session is the top-level engine: it owns the serial executor all chat
// state is confined to, the two request loops, the delta poller, the
// message holder, and the history store. Public methods are safe to call
// from any goroutine; they hop onto the executor.
type Session struct {
	cfg  config.Config
	exec *executor

	kv      keyval.Store
	authst  *auth.Holder
	actLoop *transport.Loop
	dltLoop *transport.Loop
	client  *actions.Client
	store   history.Store
	pstore  *history.Pebble
	hold    *holder.Holder
	poller  *poller

	// actionQ serializes visitor actions on their own worker so a
	// blocking retry never stalls the executor or the delta poll.
	actionQ  *executor
	historyQ *executor

	tracker *tracker.Tracker
	onFatal FatalHandler

	// destroyed is executor-confined; dead mirrors it for callers
	// outside the executor.
	destroyed bool
	dead      atomic.Bool

	retentionStop context.CancelFunc
}

// New builds a session from config. The keyval store persists
// credentials and the resume revision across restarts; pass
// keyval.NewMemory() for an ephemeral session.
func New(cfg config.Config, kv keyval.Store, onFatal FatalHandler) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kv == nil {
		kv = keyval.NewMemory()
	}

	s := &Session{
		cfg:      cfg,
		exec:     newExecutor("session", 0),
		actionQ:  newExecutor("actions", 0),
		historyQ: newExecutor("history", 0),
		kv:       kv,
		authst:   auth.NewHolder(),
		onFatal:  onFatal,
	}

	doer, err := newDoer(cfg.Server.Transport)
	if err != nil {
		return nil, err
	}
	s.actLoop = transport.NewLoop("actions", cfg.Server.BaseURL, doer, s.authst, transport.AuthFresh)
	// the delta loop keeps the last-known credentials through a
	// rotation: its polling is what carries the reissued pair back in
	s.dltLoop = transport.NewLoop("delta", cfg.Server.BaseURL, doer, s.authst, transport.AuthLastKnown)
	s.client = actions.NewClient(s.actLoop)

	if cfg.Storage.Path != "" {
		p, err := history.OpenPebble(filepath.Join(cfg.Storage.Path, "history"))
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		s.pstore = p
		s.store = p
	} else {
		s.store = history.NewMemory()
	}

	s.hold = holder.New(s.store, remoteHistory{s}, sessionRunner{s})

	if st, ok := s.loadAuth(); ok {
		s.authst.Set(st)
	}

	s.poller = newPoller(s, actions.NewClient(s.dltLoop))
	s.poller.start()

	if r, err := retention.New(cfg, s.pstore); err != nil {
		return nil, err
	} else if r != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.retentionStop = cancel
		go r.Run(ctx)
	}

	logger.Info("session_created",
		"account", cfg.Server.Account,
		"location", cfg.Server.Location,
		"persistent", cfg.Storage.Path != "")
	return s, nil
}

func newDoer(kind string) (transport.Doer, error) {
	switch kind {
	case "", "nethttp":
		return transport.NewNetHTTPDoer(nil), nil
	case "fasthttp":
		return transport.NewFastHTTPDoer(nil), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// SetAuth installs server credentials (typically obtained out of band or
// provided by the host application) and persists them.
func (s *Session) SetAuth(pageID, token string) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		st := auth.State{PageID: pageID, Token: token}
		s.authst.Set(st)
		s.persistAuth(st)
	})
}

func (s *Session) keyPrefix() string {
	return s.cfg.Server.Account + "/" + s.cfg.Server.Location + "/"
}

func (s *Session) loadAuth() (auth.State, bool) {
	page, ok1 := s.kv.Get(s.keyPrefix() + keyPageID)
	token, ok2 := s.kv.Get(s.keyPrefix() + keyToken)
	if !ok1 || !ok2 {
		return auth.State{}, false
	}
	return auth.State{PageID: page, Token: token}, true
}

func (s *Session) persistAuth(st auth.State) {
	if err := s.kv.Set(s.keyPrefix()+keyPageID, st.PageID); err != nil {
		logger.Warn("auth_persist_failed", "error", err)
		return
	}
	if err := s.kv.Set(s.keyPrefix()+keyToken, st.Token); err != nil {
		logger.Warn("auth_persist_failed", "error", err)
	}
}

// Resume releases the pause gates; polling and pending actions proceed.
func (s *Session) Resume() {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		s.actLoop.Resume()
		s.dltLoop.Resume()
		logger.Debug("session_resumed")
	})
}

// Pause gates both request loops. Attempts already in flight finish;
// nothing new is dispatched until Resume.
func (s *Session) Pause() {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		s.actLoop.Pause()
		s.dltLoop.Pause()
		logger.Debug("session_paused")
	})
}

// Destroy stops the loops, the poller, and the workers, closes the
// history store, and tears down the active tracker. Idempotent; blocks
// until queued work drains.
func (s *Session) Destroy() {
	s.destroy(false)
}

// DestroyAndClearLocalData destroys the session and then wipes the local
// history cache and persisted credentials.
func (s *Session) DestroyAndClearLocalData() {
	s.destroy(true)
}

func (s *Session) destroy(wipe bool) {
	done := make(chan struct{})
	s.exec.Post(func() {
		defer close(done)
		if s.destroyed {
			return
		}
		s.destroyed = true
		s.dead.Store(true)
		s.actLoop.Stop()
		s.dltLoop.Stop()
		if s.retentionStop != nil {
			s.retentionStop()
		}
		if s.tracker != nil {
			s.tracker.Destroy()
			s.tracker = nil
		}
		if wipe {
			if err := s.store.Clear(); err != nil {
				logger.Warn("history_clear_failed", "error", err)
			}
			for _, k := range []string{keyPageID, keyToken, keyRevision, keyReadTS} {
				if err := s.kv.Delete(s.keyPrefix() + k); err != nil {
					logger.Warn("keyval_delete_failed", "key", k, "error", err)
				}
			}
			s.authst.Forget()
		}
		logger.Info("session_destroyed", "cleared", wipe)
	})
	<-done

	// the workers may hold tasks that post completions back to the
	// executor; drain them before the executor itself
	s.actionQ.Close()
	s.historyQ.Close()
	s.exec.Close()
	if s.pstore != nil {
		if err := s.pstore.Close(); err != nil {
			logger.Warn("history_close_failed", "error", err)
		}
	}
	if wipe && s.cfg.Storage.Path != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.Storage.Path, "history")); err != nil {
			logger.Warn("history_wipe_failed", "error", err)
		}
	}
}

// Destroyed reports whether the session has been torn down, either by
// Destroy or by a fatal account error.
func (s *Session) Destroyed() bool { return s.dead.Load() }

// NewTracker creates the pagination cursor. One tracker is active at a
// time; creating a new one destroys its predecessor. The listener's
// callbacks run on the session executor.
func (s *Session) NewTracker(listener tracker.MessageListener, created func(*tracker.Tracker)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		if s.tracker != nil {
			s.tracker.Destroy()
		}
		t := tracker.New(s.hold, listener, func() {
			s.hold.ClearListener()
			if s.tracker != nil && s.tracker.Destroyed() {
				s.tracker = nil
			}
		})
		s.tracker = t
		s.hold.SetListener(t)
		created(t)
	})
}

// Post runs fn on the session executor. Hosts use it to call tracker
// methods from their own goroutines.
func (s *Session) Post(fn func()) { s.exec.Post(fn) }

// SendMessage sends visitor text optimistically: the message appears
// immediately with StatusSending and either flips to sent when the
// server's delta confirms it or disappears with a typed error.
func (s *Session) SendMessage(text, replyTo string, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		m := models.NewOutbound(models.KindVisitorText, "visitor", text)
		m.ReplyTo = replyTo
		s.hold.Sending(m)
		s.actionQ.Post(func() {
			err := s.client.SendMessage(m.ClientID, text, replyTo)
			s.exec.Post(func() {
				if s.destroyed {
					return
				}
				if err != nil && !errors.Is(err, transport.ErrInterrupted) {
					s.hold.SendingCancelled(m.ClientID)
					s.checkFatal(err)
				}
				s.complete(completion, err)
			})
		})
	})
}

// SendFile uploads data then sends the resulting attachment as a file
// message, both optimistic under one client-side id.
func (s *Session) SendFile(fileName, contentType string, data []byte, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		m := models.NewOutbound(models.KindVisitorFile, "visitor", "")
		m.Attachment = &models.Attachment{
			FileName:    fileName,
			ContentType: contentType,
			Size:        int64(len(data)),
		}
		s.hold.Sending(m)
		s.actionQ.Post(func() {
			att, err := s.client.UploadFile(m.ClientID, fileName, contentType, data)
			s.exec.Post(func() {
				if s.destroyed {
					return
				}
				if err != nil && !errors.Is(err, transport.ErrInterrupted) {
					s.hold.SendingCancelled(m.ClientID)
					s.checkFatal(err)
				} else if att != nil {
					logger.Debug("file_uploaded", "client_id", m.ClientID, "url", att.URL)
				}
				s.complete(completion, err)
			})
		})
	})
}

// EditMessage rewrites a sent message's text optimistically, rolling the
// text back if the server rejects the edit.
func (s *Session) EditMessage(clientID, newText string, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		serverID, ok := s.serverIDFor(clientID)
		if !ok {
			s.complete(completion, &actions.Error{Action: actions.KindEdit, Code: actions.CodeMessageNotFound})
			return
		}
		oldText, ok := s.hold.Changing(clientID, newText)
		if !ok {
			s.complete(completion, &actions.Error{Action: actions.KindEdit, Code: actions.CodeMessageNotFound})
			return
		}
		s.actionQ.Post(func() {
			err := s.client.EditMessage(serverID, newText)
			s.exec.Post(func() {
				if s.destroyed {
					return
				}
				if err != nil && !errors.Is(err, transport.ErrInterrupted) {
					s.hold.ChangingCancelled(clientID, oldText)
					s.checkFatal(err)
				}
				s.complete(completion, err)
			})
		})
	})
}

// DeleteMessage removes a sent message optimistically, restoring it if
// the server rejects the deletion.
func (s *Session) DeleteMessage(clientID string, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		serverID, ok := s.serverIDFor(clientID)
		if !ok {
			s.complete(completion, &actions.Error{Action: actions.KindDelete, Code: actions.CodeMessageNotFound})
			return
		}
		removed, ok := s.hold.DeletedMessage(clientID)
		if !ok {
			s.complete(completion, &actions.Error{Action: actions.KindDelete, Code: actions.CodeMessageNotFound})
			return
		}
		s.actionQ.Post(func() {
			err := s.client.DeleteMessage(serverID)
			s.exec.Post(func() {
				if s.destroyed {
					return
				}
				if err != nil && !errors.Is(err, transport.ErrInterrupted) {
					s.hold.RestoreDeleted(removed)
					s.checkFatal(err)
				}
				s.complete(completion, err)
			})
		})
	})
}

// React sets a reaction on a message. Not optimistic: the reaction count
// arrives via delta.
func (s *Session) React(clientID, reaction string, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		serverID, ok := s.serverIDFor(clientID)
		if !ok {
			s.complete(completion, &actions.Error{Action: actions.KindReact, Code: actions.CodeMessageNotFound})
			return
		}
		s.runAction(func() error { return s.client.React(serverID, reaction) }, completion)
	})
}

// RateOperator submits an operator rating.
func (s *Session) RateOperator(operatorID string, rating int, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		s.runAction(func() error { return s.client.RateOperator(operatorID, rating) }, completion)
	})
}

// SendKeyboardResponse answers a bot keyboard button.
func (s *Session) SendKeyboardResponse(requestID, buttonID string, completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		s.runAction(func() error { return s.client.SendKeyboardResponse(requestID, buttonID) }, completion)
	})
}

// MarkRead reports the visitor has read the chat and records the mark
// locally so restarts do not resurrect the unread state.
func (s *Session) MarkRead(completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		ts := fmt.Sprintf("%d", models.NowMicros())
		if err := s.kv.Set(s.keyPrefix()+keyReadTS, ts); err != nil {
			logger.Warn("read_ts_persist_failed", "error", err)
		}
		s.runAction(func() error { return s.client.MarkRead() }, completion)
	})
}

// StartChat opens a chat explicitly.
func (s *Session) StartChat(completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		id := models.GenClientID()
		s.runAction(func() error { return s.client.StartChat(id) }, completion)
	})
}

// CloseChat closes the current chat from the visitor side.
func (s *Session) CloseChat(completion func(error)) {
	s.exec.Post(func() {
		if s.destroyed {
			return
		}
		s.runAction(func() error { return s.client.CloseChat() }, completion)
	})
}

// runAction dispatches a non-optimistic action on the action worker and
// routes the result back through the executor. Must run on the executor.
func (s *Session) runAction(call func() error, completion func(error)) {
	s.actionQ.Post(func() {
		err := call()
		s.exec.Post(func() {
			if s.destroyed {
				return
			}
			if err != nil && !errors.Is(err, transport.ErrInterrupted) {
				s.checkFatal(err)
			}
			s.complete(completion, err)
		})
	})
}

// serverIDFor resolves the server-assigned id for a current-chat
// message. Messages still sending have no server id and cannot be
// edited, deleted, or reacted to yet.
func (s *Session) serverIDFor(clientID string) (string, bool) {
	for _, m := range s.hold.CurrentChat() {
		if m.ClientID == clientID && m.ServerID != "" {
			return m.ServerID, true
		}
	}
	return "", false
}

func (s *Session) complete(completion func(error), err error) {
	if completion != nil {
		completion(err)
	}
}

// checkFatal destroys the session on account-level errors and invokes
// the fatal handler exactly once. Must run on the executor.
func (s *Session) checkFatal(err error) {
	var fe *actions.FatalError
	if !errors.As(err, &fe) {
		return
	}
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.dead.Store(true)
	logger.Error("session_fatal", "code", fe.Code)
	s.actLoop.Stop()
	s.dltLoop.Stop()
	if s.retentionStop != nil {
		s.retentionStop()
	}
	if s.tracker != nil {
		s.tracker.Destroy()
		s.tracker = nil
	}
	if s.onFatal != nil {
		// outside the executor so the handler can call Destroy
		go s.onFatal(fe.Code)
	}
}

// sessionRunner adapts the session's workers to the holder's Runner.
type sessionRunner struct{ s *Session }

func (r sessionRunner) RunHistory(fn func()) { r.s.historyQ.Post(fn) }
func (r sessionRunner) Post(fn func())       { r.s.exec.Post(fn) }

// remoteHistory adapts the action client to the holder's RemoteHistory.
// Fetches run on the history worker (RunHistory), so blocking in the
// delta loop's retry machinery never stalls the executor.
type remoteHistory struct{ s *Session }

func (r remoteHistory) Before(tsMicros int64, limit int) (models.HistoryBatch, error) {
	return r.s.poller.client.HistoryBefore(tsMicros, limit)
}
