package sms

import (
	"strconv"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// IncomingMessage is the inbound webhook form payload.
type IncomingMessage struct {
	MessageSID string
	AccountSID string
	From       string
	To         string
	Body       string
	NumMedia   int
}

// IncomingFromForm binds the provider's form fields.
func IncomingFromForm(form map[string]string) IncomingMessage {
	numMedia, _ := strconv.Atoi(form["NumMedia"])
	return IncomingMessage{
		MessageSID: form["MessageSid"],
		AccountSID: form["AccountSid"],
		From:       form["From"],
		To:         form["To"],
		Body:       form["Body"],
		NumMedia:   numMedia,
	}
}

// Validator checks webhook signatures.
type Validator interface {
	Validate(url string, params map[string]string, signature string) bool
}

func NewValidator(authToken string) Validator {
	v := twilioclient.NewRequestValidator(authToken)
	return &v
}

// Sender sends outbound SMS. The real implementation wraps the provider REST
// client; tests substitute an in-memory double.
type Sender interface {
	SendSMS(to, body string) error
}

type twilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewSender(accountSID, authToken, from string) Sender {
	return &twilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: from,
	}
}

func (s *twilioSender) SendSMS(to, body string) error {
	params := &openapi.CreateMessageParams{}
	params.SetFrom(s.from)
	params.SetTo(to)
	params.SetBody(body)
	_, err := s.client.Api.CreateMessage(params)
	return err
}
