package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func presenceUpdates(evs []protocol.Event) []protocol.PresenceListUpdate {
	return lo.FilterMap(evs, func(ev protocol.Event, _ int) (protocol.PresenceListUpdate, bool) {
		u, ok := ev.(protocol.PresenceListUpdate)
		return u, ok
	})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not finish", s.ID)
	}
}

func TestLoginSequence(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	require.NoError(t, h.store.CreateMessage(&model.Message{SenderID: alice.ID, SenderName: "alice", Body: "earlier"}))

	s, fc := h.connect("alice")
	h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "ALICE@example.com", Password: "pw-alice"})

	accepted := next[protocol.AuthAccepted](t, fc)
	assert.Equal(t, s.ID, accepted.SessionID)
	assert.Equal(t, alice.ID, accepted.User.ID)
	assert.True(t, accepted.User.Online)

	presence := next[protocol.PresenceListUpdate](t, fc)
	assert.True(t, onlineIn(presence, alice.ID))

	backlog := next[protocol.GroupMessageBroadcast](t, fc)
	assert.Equal(t, "earlier", backlog.Body)
	next[protocol.ContactList](t, fc)
	next[protocol.ConversationList](t, fc)

	stored, err := h.store.GetUserByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, stored.Status)
	assert.True(t, h.ctrl.Registry().Online(alice.ID))
	assert.EqualValues(t, 1, h.ctrl.metrics.SuccessfulAuths.Load())
}

func TestRequestGating(t *testing.T) {
	type tcase struct {
		req  protocol.Request
		code int
	}

	t.Run("connecting", func(t *testing.T) {
		h := newHarness(t, ControllerConfig{})
		tests := map[string]tcase{
			"group message": {req: &protocol.SendGroupMessage{Body: "hi"}, code: protocol.CodeNotAuthenticated},
			"ban":           {req: &protocol.BanUser{UserID: 1}, code: protocol.CodeNotAuthenticated},
			"logout":        {req: &protocol.Logout{}, code: protocol.CodeNotAuthenticated},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				s, fc := h.connect(name)
				h.ctrl.OnRequest(s, tc.req)
				notice := next[protocol.ErrorNotice](t, fc)
				assert.Equal(t, tc.code, notice.Code)
				assert.Equal(t, StateConnecting, s.State())
			})
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		h := newHarness(t, ControllerConfig{})
		h.seed("alice", model.RoleUser)
		s, fc := h.login("alice")

		h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "alice", Password: "pw-alice"})
		notice := next[protocol.ErrorNotice](t, fc)
		assert.Equal(t, protocol.CodeInvalid, notice.Code)
		assert.Len(t, h.ctrl.Registry().Find(s.UserID()), 1)
	})

	t.Run("ping in any state", func(t *testing.T) {
		h := newHarness(t, ControllerConfig{})
		s, fc := h.connect("anon")
		h.ctrl.OnRequest(s, &protocol.Ping{Timestamp: 42})
		assert.EqualValues(t, 42, next[protocol.Pong](t, fc).Timestamp)
	})

	t.Run("closed ignores requests", func(t *testing.T) {
		h := newHarness(t, ControllerConfig{})
		s, fc := h.connect("anon")
		h.ctrl.OnDisconnect(s, nil)
		waitDone(t, s)
		h.ctrl.OnRequest(s, &protocol.Ping{Timestamp: 1})
		assert.Empty(t, fc.all())
	})
}

func TestLoginFailures(t *testing.T) {
	h := newHarness(t, ControllerConfig{MaxAuthFailures: 2, AuthFailureWindow: time.Minute})
	bob := h.seed("bob", model.RoleUser)
	h.seed("carol", model.RoleUser)
	require.NoError(t, h.store.CreateBan(&model.Ban{UserID: bob.ID, Reason: "spam", BannedBy: bob.ID}))

	s, fc := h.connect("client")

	h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "bob", Password: "pw-bob"})
	assert.Equal(t, "account is banned", next[protocol.ErrorNotice](t, fc).Message)

	for range 2 {
		h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "carol", Password: "wrong"})
		assert.Equal(t, "invalid credentials", next[protocol.ErrorNotice](t, fc).Message)
	}
	h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "carol", Password: "pw-carol"})
	notice := next[protocol.ErrorNotice](t, fc)
	assert.Equal(t, protocol.CodeAuth, notice.Code)
	assert.Contains(t, notice.Message, "too many attempts")

	assert.Equal(t, StateConnecting, s.State())
	assert.EqualValues(t, 4, h.ctrl.metrics.FailedAuths.Load())
	assert.False(t, h.ctrl.Registry().Online(bob.ID))
}

func TestRegister(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("taken", model.RoleUser)

	tests := map[string]struct {
		req  *protocol.RegisterRequest
		code int
	}{
		"bad username":   {req: &protocol.RegisterRequest{Username: "no spaces", Password: "secret123"}, code: protocol.CodeInvalid},
		"username taken": {req: &protocol.RegisterRequest{Username: "taken", Password: "secret123"}, code: protocol.CodeConflict},
		"email taken":    {req: &protocol.RegisterRequest{Username: "fresh", Email: "TAKEN@example.com", Password: "secret123"}, code: protocol.CodeConflict},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, fc := h.connect(name)
			h.ctrl.OnRequest(s, tc.req)
			assert.Equal(t, tc.code, next[protocol.ErrorNotice](t, fc).Code)
			assert.Equal(t, StateConnecting, s.State())
		})
	}

	t.Run("success", func(t *testing.T) {
		s, fc := h.connect("dave")
		h.ctrl.OnRequest(s, &protocol.RegisterRequest{Username: "dave", Email: "dave@example.com", Password: "secret123"})
		accepted := next[protocol.AuthAccepted](t, fc)
		assert.Equal(t, "dave", accepted.User.Username)
		assert.Equal(t, "user", accepted.User.Role)
		assert.Equal(t, StateAuthenticated, s.State())

		stored, err := h.store.GetUserByUsername("dave")
		require.NoError(t, err)
		assert.Equal(t, model.RoleUser, stored.Role)
	})
}

func TestGroupMessageFanOut(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	h.seed("bob", model.RoleUser)
	h.seed("carol", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	_, bobC := h.login("bob")
	carolS, carolC := h.login("carol")

	h.ctrl.OnRequest(carolS, &protocol.Logout{})
	waitDone(t, carolS)
	before := len(carolC.all())

	h.ctrl.OnRequest(aliceS, &protocol.SendGroupMessage{Body: "hi\x07"})

	got := next[protocol.GroupMessageBroadcast](t, bobC)
	assert.Equal(t, alice.ID, got.SenderID)
	assert.Equal(t, "hi", got.Body)
	assert.Equal(t, "hi", next[protocol.GroupMessageBroadcast](t, aliceC).Body)

	flush(t, h.ctrl, aliceS, aliceC)
	assert.Len(t, carolC.all(), before)
	assert.EqualValues(t, 1, h.ctrl.metrics.GroupMessages.Load())

	stored, err := h.store.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi", stored[0].Body)
}

func TestBroadcastSurvivesBrokenRecipient(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")
	bobC.failWrites(errWriteBroken)

	h.ctrl.OnRequest(aliceS, &protocol.SendGroupMessage{Body: "still here"})
	assert.Equal(t, "still here", next[protocol.GroupMessageBroadcast](t, aliceC).Body)

	waitDone(t, bobS)
	assert.Equal(t, StateClosed, bobS.State())
	assert.ErrorIs(t, bobS.Cause(), errWriteBroken)
	assert.True(t, bobC.isClosed())

	update := next[protocol.PresenceListUpdate](t, aliceC)
	assert.False(t, onlineIn(update, bob.ID))
	assert.EqualValues(t, 1, h.ctrl.metrics.WriteErrors.Load())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, ControllerConfig{QueueSize: 4})
	h.seed("alice", model.RoleUser)
	h.seed("bob", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")
	flush(t, h.ctrl, aliceS, aliceC)

	gate := make(chan struct{})
	bobC.mu.Lock()
	bobC.gate = gate
	bobC.mu.Unlock()

	for range 10 {
		h.ctrl.OnRequest(aliceS, &protocol.SendGroupMessage{Body: "flood"})
		flush(t, h.ctrl, aliceS, aliceC)
	}

	assert.Equal(t, StateClosed, bobS.State())
	assert.ErrorIs(t, bobS.Cause(), ErrSlowConsumer)
	assert.Positive(t, h.ctrl.metrics.SlowConsumers.Load())
	assert.Equal(t, StateAuthenticated, aliceS.State())

	close(gate)
	waitDone(t, bobS)
}

func TestRegularUserCannotBan(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("bob", model.RoleUser)
	carol := h.seed("carol", model.RoleUser)

	bobS, bobC := h.login("bob")
	carolS, _ := h.login("carol")
	flush(t, h.ctrl, bobS, bobC)

	h.ctrl.OnRequest(bobS, &protocol.BanUser{UserID: carol.ID, Reason: "nope"})
	evs := flush(t, h.ctrl, bobS, bobC)

	assert.Empty(t, evs)
	assert.Equal(t, StateAuthenticated, carolS.State())
	banned, err := h.store.IsUserBanned(carol.ID)
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Zero(t, h.ctrl.metrics.BanCount.Load())
}

func TestModeratorBansUser(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("mod", model.RoleModerator)
	bob := h.seed("bob", model.RoleUser)

	modS, modC := h.login("mod")
	bobS, bobC := h.login("bob")
	flush(t, h.ctrl, modS, modC)
	bobC.skip()

	h.ctrl.OnRequest(modS, &protocol.BanUser{UserID: bob.ID, Reason: "spam"})

	notice := next[protocol.ForcedDisconnectNotice](t, bobC)
	assert.Equal(t, "spam", notice.Reason)
	waitDone(t, bobS)
	assert.Equal(t, StateClosed, bobS.State())
	assert.ErrorIs(t, bobS.Cause(), ErrBanned)

	update := next[protocol.PresenceListUpdate](t, modC)
	assert.False(t, onlineIn(update, bob.ID))
	ack := next[protocol.OperationAck](t, modC)
	assert.Equal(t, protocol.KindBan, ack.Request)

	banned, err := h.store.IsUserBanned(bob.ID)
	require.NoError(t, err)
	assert.True(t, banned)
	assert.EqualValues(t, 1, h.ctrl.metrics.BanCount.Load())

	// The ban also blocks new logins.
	s, fc := h.connect("bob-again")
	h.ctrl.OnRequest(s, &protocol.AuthenticateRequest{Login: "bob", Password: "pw-bob"})
	assert.Equal(t, protocol.CodeAuth, next[protocol.ErrorNotice](t, fc).Code)
}

func TestBanRules(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	mod := h.seed("mod", model.RoleModerator)
	peer := h.seed("peer", model.RoleModerator)
	admin := h.seed("admin", model.RoleAdmin)
	offline := h.seed("offline", model.RoleUser)

	modS, modC := h.login("mod")

	tests := map[string]struct {
		target int64
		code   int
	}{
		"self":      {target: mod.ID, code: protocol.CodeInvalid},
		"not found": {target: 9999, code: protocol.CodeInvalid},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h.ctrl.OnRequest(modS, &protocol.BanUser{UserID: tc.target})
			assert.Equal(t, tc.code, next[protocol.ErrorNotice](t, modC).Code)
		})
	}

	// A moderator cannot ban an equal or higher role; the request is
	// dropped without a reply.
	for name, target := range map[string]int64{"peer": peer.ID, "admin": admin.ID} {
		t.Run(name, func(t *testing.T) {
			flush(t, h.ctrl, modS, modC)
			h.ctrl.OnRequest(modS, &protocol.BanUser{UserID: target})
			assert.Empty(t, flush(t, h.ctrl, modS, modC))
			banned, err := h.store.IsUserBanned(target)
			require.NoError(t, err)
			assert.False(t, banned)
		})
	}

	t.Run("offline target", func(t *testing.T) {
		h.ctrl.OnRequest(modS, &protocol.BanUser{UserID: offline.ID})
		update := next[protocol.PresenceListUpdate](t, modC)
		for _, u := range update.Users {
			if u.ID == offline.ID {
				assert.True(t, u.Banned)
			}
		}
		next[protocol.OperationAck](t, modC)
	})
}

// gatedAuthenticator holds a successful login between the credential check
// and registration until release is closed.
type gatedAuthenticator struct {
	inner   Authenticator
	entered chan struct{}
	release chan struct{}
}

func (a *gatedAuthenticator) Authenticate(login, password string) (*model.User, error) {
	u, err := a.inner.Authenticate(login, password)
	close(a.entered)
	<-a.release
	return u, err
}

func TestBanDuringLogin(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("mod", model.RoleModerator)
	bob := h.seed("bob", model.RoleUser)
	modS, modC := h.login("mod")

	gate := &gatedAuthenticator{
		inner:   StoreAuthenticator{Store: h.store},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.ctrl.auth = gate

	bobS, bobC := h.connect("bob")
	loggedIn := make(chan struct{})
	go func() {
		defer close(loggedIn)
		h.ctrl.OnRequest(bobS, &protocol.AuthenticateRequest{Login: "bob", Password: "pw-bob"})
	}()
	select {
	case <-gate.entered:
	case <-time.After(waitFor):
		t.Fatal("login never reached the authenticator")
	}

	h.ctrl.OnRequest(modS, &protocol.BanUser{UserID: bob.ID, Reason: "spam"})
	next[protocol.OperationAck](t, modC)

	close(gate.release)
	<-loggedIn
	waitDone(t, bobS)

	assert.Equal(t, StateClosed, bobS.State())
	assert.ErrorIs(t, bobS.Cause(), ErrBanned)
	assert.False(t, h.ctrl.Registry().Online(bob.ID))
	assert.Equal(t, protocol.CodeAuth, next[protocol.ErrorNotice](t, bobC).Code)
	for _, ev := range bobC.all() {
		_, accepted := ev.(protocol.AuthAccepted)
		assert.False(t, accepted, "banned user was accepted")
	}
	stored, err := h.store.GetUserByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, stored.Status)
}

func TestBroadcastOrderSurvivesTermination(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)
	h.seed("carol", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")
	carolS, carolC := h.login("carol")
	flush(t, h.ctrl, aliceS, aliceC)
	flush(t, h.ctrl, carolS, carolC)

	// Stall bob's writer and fill his queue.
	bobC.mu.Lock()
	bobC.gate = make(chan struct{})
	bobC.mu.Unlock()
	for bobS.Deliver(protocol.Pong{}) == nil {
	}

	first := protocol.GroupMessageBroadcast{MessageInfo: protocol.MessageInfo{ID: 1, Body: "first"}}
	second := protocol.GroupMessageBroadcast{MessageInfo: protocol.MessageInfo{ID: 2, Body: "second"}}
	h.ctrl.Engine().Broadcast(first)
	h.ctrl.Engine().Broadcast(second)
	waitDone(t, bobS)
	assert.ErrorIs(t, bobS.Cause(), ErrSlowConsumer)

	for _, peer := range []struct {
		s  *Session
		fc *fakeConn
	}{{aliceS, aliceC}, {carolS, carolC}} {
		evs := flush(t, h.ctrl, peer.s, peer.fc)
		b1, b2, offline := -1, -1, -1
		for i, ev := range evs {
			switch ev := ev.(type) {
			case protocol.GroupMessageBroadcast:
				if ev.ID == first.ID {
					b1 = i
				} else if ev.ID == second.ID {
					b2 = i
				}
			case protocol.PresenceListUpdate:
				if offline < 0 && !onlineIn(ev, bob.ID) {
					offline = i
				}
			}
		}
		require.NotEqual(t, -1, b1, peer.fc.name)
		require.NotEqual(t, -1, b2, peer.fc.name)
		require.NotEqual(t, -1, offline, peer.fc.name)
		assert.Less(t, b1, b2, "%s: broadcasts out of order", peer.fc.name)
		assert.Less(t, b1, offline, "%s: termination overtook the broadcast", peer.fc.name)
	}
}

func TestForceDisconnectRacesLogout(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")
	flush(t, h.ctrl, aliceS, aliceC)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.Engine().ForceDisconnect(bob.ID, "bye")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ctrl.OnRequest(bobS, &protocol.Logout{})
	}()
	wg.Wait()
	waitDone(t, bobS)

	assert.Equal(t, StateClosed, bobS.State())
	assert.True(t, bobC.isClosed())

	updates := presenceUpdates(flush(t, h.ctrl, aliceS, aliceC))
	require.Len(t, updates, 1)
	assert.False(t, onlineIn(updates[0], bob.ID))

	entries, err := h.store.ListAuditLog(bob.ID, 10)
	require.NoError(t, err)
	ends := lo.CountBy(entries, func(e model.AuditEntry) bool {
		return e.Action == "logout" || e.Action == "disconnect"
	})
	assert.Equal(t, 1, ends)

	stored, err := h.store.GetUserByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, stored.Status)
}

func TestMultipleSessionsPerUser(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	phone, _ := h.login("bob")
	laptop, laptopC := h.login("bob")
	flush(t, h.ctrl, aliceS, aliceC)

	h.ctrl.OnDisconnect(phone, nil)
	waitDone(t, phone)
	assert.Empty(t, presenceUpdates(flush(t, h.ctrl, aliceS, aliceC)))
	assert.True(t, h.ctrl.Registry().Online(bob.ID))

	h.ctrl.OnRequest(aliceS, &protocol.SendGroupMessage{Body: "anyone?"})
	assert.Equal(t, "anyone?", next[protocol.GroupMessageBroadcast](t, laptopC).Body)

	h.ctrl.OnDisconnect(laptop, nil)
	waitDone(t, laptop)
	updates := presenceUpdates(flush(t, h.ctrl, aliceS, aliceC))
	require.Len(t, updates, 1)
	assert.False(t, onlineIn(updates[0], bob.ID))
}

func TestChangePresence(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	s, fc := h.login("alice")

	h.ctrl.OnRequest(s, &protocol.ChangePresence{Status: "busy"})
	update := next[protocol.PresenceListUpdate](t, fc)
	for _, u := range update.Users {
		if u.ID == alice.ID {
			assert.Equal(t, "busy", u.Status)
		}
	}
	u, _ := s.User()
	assert.Equal(t, model.StatusBusy, u.Status)

	h.ctrl.OnRequest(s, &protocol.ChangePresence{Status: "offline"})
	assert.Equal(t, protocol.CodeInvalid, next[protocol.ErrorNotice](t, fc).Code)
}

func TestChangePresenceAfterClose(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	s, _ := h.login("alice")

	h.ctrl.OnDisconnect(s, nil)
	waitDone(t, s)
	h.ctrl.handleChangePresence(s, &protocol.ChangePresence{Status: "away"})

	stored, err := h.store.GetUserByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, stored.Status)
}

func TestPrivateMessaging(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)

	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")

	h.ctrl.OnRequest(aliceS, &protocol.SendPrivateMessage{ReceiverID: bob.ID, Body: "psst"})

	for _, fc := range []*fakeConn{aliceC, bobC} {
		pm := next[protocol.PrivateMessageDelivered](t, fc)
		assert.Equal(t, alice.ID, pm.SenderID)
		assert.Equal(t, bob.ID, pm.ReceiverID)
		assert.Equal(t, "psst", pm.Body)
	}
	convs := next[protocol.ConversationList](t, bobC)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, alice.ID, convs.Conversations[0].OtherUserID)
	assert.Equal(t, 1, convs.Conversations[0].UnreadCount)

	h.ctrl.OnRequest(bobS, &protocol.GetConversation{UserID: alice.ID})
	snap := next[protocol.ConversationSnapshot](t, bobC)
	assert.Equal(t, alice.ID, snap.OtherUserID)
	require.Len(t, snap.Messages, 1)
	next[protocol.ContactList](t, bobC)

	h.ctrl.OnRequest(bobS, &protocol.ListConversations{})
	convs = next[protocol.ConversationList](t, bobC)
	require.Len(t, convs.Conversations, 1)
	assert.Zero(t, convs.Conversations[0].UnreadCount)

	t.Run("self", func(t *testing.T) {
		h.ctrl.OnRequest(aliceS, &protocol.SendPrivateMessage{ReceiverID: alice.ID, Body: "me"})
		assert.Equal(t, protocol.CodeInvalid, next[protocol.ErrorNotice](t, aliceC).Code)
	})
	t.Run("unknown receiver", func(t *testing.T) {
		h.ctrl.OnRequest(aliceS, &protocol.SendPrivateMessage{ReceiverID: 9999, Body: "hello?"})
		assert.Equal(t, "user not found", next[protocol.ErrorNotice](t, aliceC).Message)
	})
	t.Run("offline receiver still stored", func(t *testing.T) {
		h.ctrl.OnDisconnect(bobS, nil)
		waitDone(t, bobS)
		h.ctrl.OnRequest(aliceS, &protocol.SendPrivateMessage{ReceiverID: bob.ID, Body: "later"})
		next[protocol.PrivateMessageDelivered](t, aliceC)
		msgs, err := h.store.Conversation(alice.ID, bob.ID, 10)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
}

func TestContacts(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	alice := h.seed("alice", model.RoleUser)
	bob := h.seed("bob", model.RoleUser)
	s, fc := h.login("alice")

	h.ctrl.OnRequest(s, &protocol.AddContact{UserID: bob.ID, Name: "Bobby"})
	assert.Equal(t, protocol.KindAddContact, next[protocol.OperationAck](t, fc).Request)
	list := next[protocol.ContactList](t, fc)
	require.Len(t, list.Contacts, 1)
	assert.Equal(t, "Bobby", list.Contacts[0].Name)
	assert.False(t, list.Contacts[0].User.Online)

	tests := map[string]struct {
		req  protocol.Request
		code int
	}{
		"duplicate":      {req: &protocol.AddContact{UserID: bob.ID}, code: protocol.CodeConflict},
		"self":           {req: &protocol.AddContact{UserID: alice.ID}, code: protocol.CodeInvalid},
		"unknown user":   {req: &protocol.AddContact{UserID: 9999}, code: protocol.CodeInvalid},
		"remove missing": {req: &protocol.RemoveContact{UserID: 9999}, code: protocol.CodeInvalid},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h.ctrl.OnRequest(s, tc.req)
			assert.Equal(t, tc.code, next[protocol.ErrorNotice](t, fc).Code)
		})
	}

	h.ctrl.OnRequest(s, &protocol.RemoveContact{UserID: bob.ID})
	next[protocol.OperationAck](t, fc)
	assert.Empty(t, next[protocol.ContactList](t, fc).Contacts)

	h.ctrl.OnRequest(s, &protocol.ListContacts{})
	assert.Empty(t, next[protocol.ContactList](t, fc).Contacts)
}

func TestSearchUsers(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	h.seed("albert", model.RoleUser)
	h.seed("bob", model.RoleUser)
	s, fc := h.login("alice")

	h.ctrl.OnRequest(s, &protocol.SearchUsers{Query: " al "})
	res := next[protocol.UserSearchResults](t, fc)
	assert.Equal(t, "al", res.Query)
	require.Len(t, res.Users, 1)
	assert.Equal(t, "albert", res.Users[0].Username)
}

func TestSetUserRole(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("root", model.RoleAdmin)
	h.seed("mod", model.RoleModerator)
	bob := h.seed("bob", model.RoleUser)

	rootS, rootC := h.login("root")
	modS, modC := h.login("mod")
	bobS, _ := h.login("bob")
	flush(t, h.ctrl, rootS, rootC)

	h.ctrl.OnRequest(modS, &protocol.SetUserRole{UserID: bob.ID, Role: "moderator"})
	assert.Equal(t, protocol.CodeAuth, next[protocol.ErrorNotice](t, modC).Code)

	h.ctrl.OnRequest(rootS, &protocol.SetUserRole{UserID: rootS.UserID(), Role: "user"})
	assert.Equal(t, protocol.CodeAuth, next[protocol.ErrorNotice](t, rootC).Code)

	h.ctrl.OnRequest(rootS, &protocol.SetUserRole{UserID: bob.ID, Role: "moderator"})
	assert.Equal(t, protocol.KindSetRole, next[protocol.OperationAck](t, rootC).Request)
	update := next[protocol.PresenceListUpdate](t, rootC)
	for _, u := range update.Users {
		if u.ID == bob.ID {
			assert.Equal(t, "moderator", u.Role)
		}
	}

	live, _ := bobS.User()
	assert.Equal(t, model.RoleModerator, live.Role)
	stored, err := h.store.GetUserByID(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleModerator, stored.Role)
	assert.EqualValues(t, 1, h.ctrl.metrics.RoleChanges.Load())
}

func TestCollaboratorFailure(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	h.seed("bob", model.RoleUser)
	aliceS, aliceC := h.login("alice")
	bobS, bobC := h.login("bob")
	flush(t, h.ctrl, bobS, bobC)

	h.store.FailNext("CreateMessage", errors.New("disk full"))
	h.ctrl.OnRequest(aliceS, &protocol.SendGroupMessage{Body: "lost"})

	notice := next[protocol.ErrorNotice](t, aliceC)
	assert.Equal(t, protocol.CodeInternal, notice.Code)
	assert.Equal(t, "internal error", notice.Message)
	assert.Equal(t, StateAuthenticated, aliceS.State())
	assert.Empty(t, flush(t, h.ctrl, bobS, bobC))
}

func TestProtocolErrorKeepsSession(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	s, fc := h.connect("anon")

	h.ctrl.OnProtocolError(s, &protocol.DecodeError{Kind: protocol.KindLogin, Err: errors.New("missing password")})
	notice := next[protocol.ErrorNotice](t, fc)
	assert.Equal(t, protocol.CodeProtocol, notice.Code)
	assert.Contains(t, notice.Message, "missing password")
	assert.Equal(t, StateConnecting, s.State())
	assert.EqualValues(t, 1, h.ctrl.metrics.DecodeErrors.Load())
}

func TestLogoutFlushesAck(t *testing.T) {
	h := newHarness(t, ControllerConfig{})
	h.seed("alice", model.RoleUser)
	s, fc := h.login("alice")

	h.ctrl.OnRequest(s, &protocol.Logout{})
	waitDone(t, s)

	assert.Equal(t, protocol.KindLogout, next[protocol.OperationAck](t, fc).Request)
	assert.ErrorIs(t, s.Cause(), errLogout)
	assert.False(t, h.ctrl.Registry().Online(s.UserID()))

	fc.mu.Lock()
	closes := fc.closes
	fc.mu.Unlock()
	assert.Equal(t, 1, closes)
}

func TestSanitizeText(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"plain":          {in: "hello", want: "hello"},
		"keeps newline":  {in: "a\nb\tc", want: "a\nb\tc"},
		"strips bell":    {in: "ding\x07", want: "ding"},
		"strips escapes": {in: "\x1b[31mred", want: "[31mred"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeText(tc.in))
		})
	}
}
