package notify

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// PhoneLookup resolves a user id to an SMS-capable phone number. Returning
// an empty string means the user has no number on file.
type PhoneLookup func(userID string) string

// SMSNotifier delivers notifications as SMS via Twilio. It is intended for
// escalation alerts to on-call supporters, where a queued in-app
// notification is not urgent enough.
type SMSNotifier struct {
	client *twilio.RestClient
	from   string
	lookup PhoneLookup
	log    *logrus.Entry
}

// NewSMSNotifier builds a Twilio-backed notifier. Credentials come from
// TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN, the sending number from
// TWILIO_FROM_NUMBER.
func NewSMSNotifier(lookup PhoneLookup) (*SMSNotifier, error) {
	accountSID := os.Getenv("TWILIO_ACCOUNT_SID")
	authToken := os.Getenv("TWILIO_AUTH_TOKEN")
	from := os.Getenv("TWILIO_FROM_NUMBER")

	if accountSID == "" || authToken == "" || from == "" {
		return nil, errors.New("twilio credentials not configured")
	}

	return &SMSNotifier{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from:   from,
		lookup: lookup,
		log:    logrus.WithField("component", "notify.sms"),
	}, nil
}

func (n *SMSNotifier) Notify(_ context.Context, notification Notification) error {
	to := ""
	if n.lookup != nil {
		to = n.lookup(notification.UserID)
	}
	if to == "" {
		// Fire-and-forget contract: a user without a number is not an error.
		n.log.WithField("user", notification.UserID).Debug("no phone number on file, skipping SMS")
		return nil
	}

	body := notification.Title
	if notification.Body != "" {
		body += ": " + notification.Body
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.from)
	params.SetBody(body)

	if _, err := n.client.Api.CreateMessage(params); err != nil {
		n.log.WithError(err).WithField("user", notification.UserID).Warn("failed to send SMS")
		return err
	}

	return nil
}
