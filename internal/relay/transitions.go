package relay

import "github.com/zulandar/switchboard/internal/models"

var ticketTransitions = map[string]map[string]bool{
	models.TicketPending: {
		models.TicketApproved:  true,
		models.TicketDiscarded: true,
	},
	models.TicketApproved:  {},
	models.TicketDiscarded: {},
}

// CanTransitionTicket reports whether a ticket may move from one state to
// another.
func CanTransitionTicket(from, to string) bool {
	return ticketTransitions[from][to]
}
