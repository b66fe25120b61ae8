// Package notify turns lifecycle notifications into messages for the
// participants of an agreement.
package notify

import (
	"fmt"
	"strings"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

// Message is one rendered e-mail.
type Message struct {
	Subject string
	Body    string
}

// Compose renders the message r receives for n.
func Compose(n lifecycle.Notification, r lifecycle.Recipient) Message {
	title := n.ItemTitle
	if title == "" {
		title = "your exchange"
	}

	var subject, lead string
	switch n.Kind {
	case lifecycle.NotifyCreated:
		subject = fmt.Sprintf("New exchange agreement for %s", title)
		if r.Role == agreement.RoleOwner {
			lead = "Your exchange agreement has been created and is waiting for signatures."
		} else {
			lead = "An exchange agreement has been prepared for you and is waiting for your signature."
		}
	case lifecycle.NotifySignatureNeeded:
		subject = fmt.Sprintf("Your signature is needed for %s", title)
		lead = "The other participant has signed. Sign the agreement to confirm the exchange."
	case lifecycle.NotifyFullySigned:
		subject = fmt.Sprintf("Agreement signed for %s", title)
		lead = "Both participants have signed. The exchange can now take place."
	case lifecycle.NotifyCompleted:
		subject = fmt.Sprintf("Exchange completed for %s", title)
		lead = "The exchange has been marked as completed. Thank you for sharing."
	case lifecycle.NotifyCancelled:
		subject = fmt.Sprintf("Agreement cancelled for %s", title)
		lead = "The exchange agreement has been cancelled."
	case lifecycle.NotifyResend:
		subject = fmt.Sprintf("Reminder: agreement for %s", title)
		lead = fmt.Sprintf("Here is a reminder of your exchange agreement. Current status: %s.", n.Status)
	default:
		subject = fmt.Sprintf("Update on %s", title)
		lead = fmt.Sprintf("Current status: %s.", n.Status)
	}

	var b strings.Builder
	b.WriteString(lead)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Agreement: %s\n", n.Code)
	if !n.ExchangeAt.IsZero() {
		fmt.Fprintf(&b, "Exchange date: %s\n", n.ExchangeAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if n.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", n.Location)
	}
	if n.DeliveryMethod != "" {
		fmt.Fprintf(&b, "Delivery: %s\n", n.DeliveryMethod)
	}
	if n.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", n.Reason)
	}
	return Message{Subject: subject, Body: b.String()}
}
