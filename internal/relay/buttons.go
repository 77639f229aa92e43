package relay

import "strings"

// Callback data prefixes. Transports echo a button's Data back verbatim;
// ParseCallback turns it into the matching event fields.
const (
	callbackApprove  = "approve:"
	callbackDiscard  = "discard:"
	callbackLanguage = "lang:"
)

// ApprovalButtons returns the approve and discard buttons for a ticket.
func ApprovalButtons(ticketID, approveLabel, discardLabel string) []Button {
	return []Button{
		{Label: approveLabel, Data: callbackApprove + ticketID},
		{Label: discardLabel, Data: callbackDiscard + ticketID},
	}
}

// LanguageButton returns the menu button selecting code.
func LanguageButton(code, label string) Button {
	return Button{Label: label, Data: callbackLanguage + code}
}

// CallbackKind classifies button data.
type CallbackKind int

const (
	CallbackUnknown CallbackKind = iota
	CallbackApproval
	CallbackLanguage
)

// ParseCallback splits button data into its kind and payload. For approval
// buttons the decision is returned as well.
func ParseCallback(data string) (CallbackKind, Decision, string) {
	switch {
	case strings.HasPrefix(data, callbackApprove):
		return CallbackApproval, DecisionApprove, strings.TrimPrefix(data, callbackApprove)
	case strings.HasPrefix(data, callbackDiscard):
		return CallbackApproval, DecisionDiscard, strings.TrimPrefix(data, callbackDiscard)
	case strings.HasPrefix(data, callbackLanguage):
		return CallbackLanguage, "", strings.TrimPrefix(data, callbackLanguage)
	}
	return CallbackUnknown, "", ""
}
