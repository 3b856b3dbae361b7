package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/seangpt/chatstream/internal/sms"
)

// TwilioWebhook handles inbound SMS deliveries. The provider re-POSTs the
// same form to the Redirect URL in our TwiML when a reply spans multiple
// messages, so this one route serves both fresh messages and continuations.
func (h *Handler) TwilioWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	form := make(map[string]string, len(c.Request.PostForm))
	for k, vals := range c.Request.PostForm {
		if len(vals) > 0 {
			form[k] = vals[0]
		}
	}

	url := h.Cfg.PublicBaseURL + c.Request.URL.Path
	sig := c.GetHeader("X-Twilio-Signature")
	if h.Validator != nil && !h.Validator.Validate(url, form, sig) {
		h.Log.Warn().Str("from", form["From"]).Msg("rejected webhook with bad signature")
		c.String(http.StatusForbidden, "invalid signature")
		return
	}

	msg := sms.IncomingFromForm(form)
	twiml, err := h.SMSSvc.HandleIncoming(c.Request.Context(), msg, url)
	if err != nil {
		h.Log.Error().Err(err).Str("sid", msg.MessageSID).Msg("webhook handling failed")
		// Empty TwiML: the provider gets a valid response and the sender sees
		// nothing rather than an error blob.
		twiml = sms.TwiML{}
	}

	body, err := twiml.Render()
	if err != nil {
		c.String(http.StatusInternalServerError, "render failed")
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(body))
}
