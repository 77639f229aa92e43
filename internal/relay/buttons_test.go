package relay

import "testing"

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data     string
		kind     CallbackKind
		decision Decision
		payload  string
	}{
		{"approve:t-1", CallbackApproval, DecisionApprove, "t-1"},
		{"discard:t-1", CallbackApproval, DecisionDiscard, "t-1"},
		{"lang:ru", CallbackLanguage, "", "ru"},
		{"something_else", CallbackUnknown, "", ""},
		{"", CallbackUnknown, "", ""},
	}
	for _, tt := range tests {
		kind, decision, payload := ParseCallback(tt.data)
		if kind != tt.kind || decision != tt.decision || payload != tt.payload {
			t.Errorf("ParseCallback(%q) = %v, %q, %q", tt.data, kind, decision, payload)
		}
	}
}

func TestApprovalButtons(t *testing.T) {
	b := ApprovalButtons("t-1", "Approve", "Discard")
	if len(b) != 2 || b[0].Label != "Approve" || b[1].Data != "discard:t-1" {
		t.Errorf("buttons = %+v", b)
	}
	if lb := LanguageButton("ka", "ქართული"); lb.Data != "lang:ka" {
		t.Errorf("language button = %+v", lb)
	}
}
