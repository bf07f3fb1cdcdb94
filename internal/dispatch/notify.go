package dispatch

import "context"

// NotificationKind distinguishes the two outbound alert shapes.
type NotificationKind string

const (
	NotifyAssignment NotificationKind = "assignment"
	NotifyOutage     NotificationKind = "outage"
)

// Notification is the payload handed to the Notifier. Ticket and Decision
// are set for assignments; Reason carries the outage rationale.
type Notification struct {
	Kind     NotificationKind
	Issue    string
	Ticket   *Ticket
	Decision *AssignmentDecision
	Reason   string
}

// Notifier delivers fire-and-forget alerts. Send failures are logged by the
// service and never fail the operation that triggered them.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}
