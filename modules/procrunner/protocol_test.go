package procrunner

import (
	"math"
	"testing"
)

func TestWireMsgValidate(t *testing.T) {
	finite := 0.5
	nan := math.NaN()
	inf := math.Inf(1)

	cases := []struct {
		name    string
		msg     wireMsg
		wantErr bool
	}{
		{"progress ok", wireMsg{Type: msgProgress, Progress: &finite}, false},
		{"progress nil", wireMsg{Type: msgProgress}, true},
		{"progress nan", wireMsg{Type: msgProgress, Progress: &nan}, true},
		{"progress inf", wireMsg{Type: msgProgress, Progress: &inf}, true},
		{"log ok", wireMsg{Type: msgLog, Log: "line"}, false},
		{"log empty ok", wireMsg{Type: msgLog}, false},
		{"result ok", wireMsg{Type: msgResult, Result: []byte("42")}, false},
		{"error ok", wireMsg{Type: msgError, Error: "boom"}, false},
		{"cancelled ok", wireMsg{Type: msgCancelled, Reason: "stopped"}, false},
		{"unknown type", wireMsg{Type: "bogus"}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.msg.validate()
			if c.wantErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestResultMsgRoundtrip(t *testing.T) {
	m, err := resultMsg(map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("resultMsg: %v", err)
	}
	if m.Type != msgResult {
		t.Fatalf("expected msgResult, got %v", m.Type)
	}
	if err := m.validate(); err != nil {
		t.Fatalf("constructed result message failed validate: %v", err)
	}
}
