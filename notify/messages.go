package notify

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/interfaces"
)

func reminderMessage(r interfaces.ReminderType, owner *interfaces.Owner) (subject, body string, err error) {
	var urgency string
	switch r {
	case interfaces.ReminderFirst:
		urgency = "We have not seen you in a while."
	case interfaces.ReminderSecond:
		urgency = "Your account has been inactive for most of your configured period."
	case interfaces.ReminderFinal:
		urgency = "Your inactivity period is almost over. A handover to your successors will begin soon."
	default:
		return "", "", fmt.Errorf("%w: unknown reminder type %q", interfaces.ErrValidation, r)
	}

	subject = "Inactivity reminder: please check in"
	body = fmt.Sprintf("%s\n\nSign in or perform a manual check-in to reset your %d-day inactivity period.\n",
		urgency, owner.InactivityThresholdDays)
	return subject, body, nil
}

func ownerNotice(t interfaces.NotificationType, p *interfaces.HandoverProcess) (subject, body string, err error) {
	switch t {
	case interfaces.NotificationHandoverInitiated:
		if p == nil {
			return "", "", fmt.Errorf("%w: handover notice needs a process", interfaces.ErrValidation)
		}
		subject = "Handover started: your grace period is running"
		body = fmt.Sprintf("A handover of your secrets to your successors started at %s.\n"+
			"You can cancel it by signing in before %s.\n",
			p.InitiatedAt.UTC().Format("2006-01-02 15:04 MST"),
			p.GracePeriodEnds.UTC().Format("2006-01-02 15:04 MST"))
	case interfaces.NotificationHandoverCancelled:
		subject = "Handover cancelled"
		var b strings.Builder
		b.WriteString("The pending handover of your secrets was cancelled.\n")
		if p != nil && p.CancellationReason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", p.CancellationReason)
		}
		body = b.String()
	case interfaces.NotificationFirstReminder, interfaces.NotificationSecondReminder,
		interfaces.NotificationFinalReminder, interfaces.NotificationHandoverAlert,
		interfaces.NotificationManualFollowup:
		return "", "", fmt.Errorf("%w: %s is not an owner notice", interfaces.ErrValidation, t)
	default:
		return "", "", fmt.Errorf("%w: unknown notification type %q", interfaces.ErrValidation, t)
	}
	return subject, body, nil
}

// alertMessage carries the successor's encrypted share. The share stays
// sealed; only the successor's passphrase or private key opens it.
func alertMessage(s *interfaces.Successor, processID uuid.UUID) (subject, body string) {
	subject = "You have been named as a successor"
	var b strings.Builder
	if s.Name != "" {
		fmt.Fprintf(&b, "Hello %s,\n\n", s.Name)
	}
	b.WriteString("The account owner who named you as a successor has been inactive past their configured period.\n")
	fmt.Fprintf(&b, "Handover reference: %s\n\n", processID)
	b.WriteString("Please confirm or decline through the successor portal. Your encrypted key share follows:\n\n")
	b.WriteString(base64.StdEncoding.EncodeToString(s.EncryptedShare))
	b.WriteString("\n")
	return subject, b.String()
}
