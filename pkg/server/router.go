package server

import (
	"time"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// SendResult is the outcome of a direct message
type SendResult int

const (
	SendDelivered SendResult = iota
	SendSelfAddressed
	SendRecipientOffline
)

func (r SendResult) String() string {
	switch r {
	case SendDelivered:
		return "delivered"
	case SendSelfAddressed:
		return "self_addressed"
	case SendRecipientOffline:
		return "recipient_offline"
	default:
		return "unknown"
	}
}

// Router delivers direct and group messages to online recipients and
// appends every delivered message to the audit log
type Router struct {
	sessions *SessionManager
	groups   *GroupDirectory
	audit    AuditLog
	metrics  *Metrics
	now      func() time.Time
}

// NewRouter creates a router
func NewRouter(sessions *SessionManager, groups *GroupDirectory, audit AuditLog) *Router {
	return &Router{
		sessions: sessions,
		groups:   groups,
		audit:    audit,
		now:      time.Now,
	}
}

// SendDirect delivers content from sender to recipient. Self-addressing is
// rejected before presence is checked. Nothing is logged unless the
// recipient's connection accepted the delivery.
func (r *Router) SendDirect(sender, recipient, content string) (time.Time, SendResult) {
	if sender == recipient {
		return time.Time{}, SendSelfAddressed
	}

	target, ok := r.sessions.Lookup(recipient)
	if !ok {
		return time.Time{}, SendRecipientOffline
	}

	ts := r.now()
	if err := target.Send(protocol.DirectDelivery(ts, sender, content)); err != nil {
		debugLog.Printf("Delivery to %s failed: %v", recipient, err)
		return time.Time{}, SendRecipientOffline
	}
	r.metrics.RecordDirectDelivered()

	seq, err := r.audit.AppendDirectMessage(ts, sender, recipient, content)
	if err != nil {
		errorLog.Printf("Failed to log direct message from %s: %v", sender, err)
	} else {
		debugLog.Printf("Direct message %d; %s; %s -> %s", seq, protocol.FormatTimestamp(ts), sender, recipient)
	}

	return ts, SendDelivered
}

// PostGroup appends content to the group's log and delivers it to every
// joined member except the sender. Joined members that are offline miss
// the message.
func (r *Router) PostGroup(group, sender, content string) (time.Time, GroupResult) {
	recipients, result := r.groups.Recipients(group, sender)
	if result != GroupDelivered {
		return time.Time{}, result
	}

	ts := r.now()
	seq, err := r.audit.AppendGroupMessage(group, ts, sender, content)
	if err != nil {
		errorLog.Printf("Failed to log message for group %s: %v", group, err)
	} else {
		debugLog.Printf("Group message on %s; %d; %s; %s", group, seq, protocol.FormatTimestamp(ts), sender)
	}

	record := protocol.GroupDelivery(ts, group, sender, content)
	delivered := 0
	for _, member := range recipients {
		target, ok := r.sessions.Lookup(member)
		if !ok {
			continue
		}
		if err := target.Send(record); err != nil {
			debugLog.Printf("Group delivery to %s failed: %v", member, err)
			continue
		}
		delivered++
	}
	r.metrics.RecordGroupDelivered(delivered)

	return ts, GroupDelivered
}
