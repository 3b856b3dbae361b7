package sms

import (
	"bytes"
	"encoding/xml"
)

// TwiML is the webhook reply document the SMS provider executes in order.
type TwiML struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message,omitempty"`
	Redirect string   `xml:"Redirect,omitempty"`
}

// Render serializes the document with the XML declaration the provider
// expects.
func (t TwiML) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(t); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Reply builds a single-message response, optionally redirecting the
// transport back to the webhook for the next unit.
func Reply(text string, redirectURL string) TwiML {
	t := TwiML{}
	if text != "" {
		t.Messages = []string{text}
	}
	t.Redirect = redirectURL
	return t
}
