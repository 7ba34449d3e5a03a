package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func TestParseLine(t *testing.T) {
	tests := map[string]struct {
		line string
		want protocol.Request
		quit bool
	}{
		"blank":       {line: "   "},
		"group":       {line: "hello all", want: &protocol.SendGroupMessage{Body: "hello all"}},
		"private":     {line: "/msg 4 hi there", want: &protocol.SendPrivateMessage{ReceiverID: 4, Body: "hi there"}},
		"bad private": {line: "/msg bob hi"},
		"status":      {line: "/status away", want: &protocol.ChangePresence{Status: "away"}},
		"search":      {line: "/who ali", want: &protocol.SearchUsers{Query: "ali"}},
		"quit":        {line: "/quit", want: &protocol.Logout{}, quit: true},
		"unknown":     {line: "/dance"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req, quit := parseLine(tc.line)
			assert.Equal(t, tc.want, req)
			assert.Equal(t, tc.quit, quit)
		})
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 2, 15, 4, 0, 0, time.Local)
	printEvent(&buf, &protocol.GroupMessageBroadcast{MessageInfo: protocol.MessageInfo{SenderName: "alice", Body: "hi", CreatedAt: at}})
	printEvent(&buf, &protocol.ErrorNotice{Code: 2, Message: "invalid credentials"})
	printEvent(&buf, &protocol.PresenceListUpdate{Users: []protocol.UserInfo{
		{ID: 1, Username: "alice", Status: "online", Online: true},
		{ID: 2, Username: "bob", Status: "offline"},
	}})

	assert.Equal(t, "[15:04] alice: hi\n! error 2: invalid credentials\n* online: alice(1,online)\n", buf.String())
}
