package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SakePipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without an inline reply; replies go out through the
// provider once processing finishes.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}

// twilioWebhookHandler accepts inbound WhatsApp messages from Twilio. Once the signature
// is accepted the webhook always acknowledges with 200 so Twilio does not retry; parse and
// processing failures are logged. A request failing signature validation gets 403 instead:
// it did not come from Twilio, so there is no retry to suppress, and a 200 would let a
// forger confirm the endpoint accepts its input.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w)
		return
	}

	if s.opts.TwilioAuthToken != "" {
		signature := r.Header.Get(twiliowhatsapp.SignatureHeader)
		if !twiliowhatsapp.ValidateSignature(s.opts.TwilioAuthToken, s.webhookURL(r), r.PostForm, signature) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "remote", r.RemoteAddr, "url", s.webhookURL(r))
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	in, err := twiliowhatsapp.ParseInbound(r.PostForm)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: unparseable webhook", "error", err)
		writeTwiML(w)
		return
	}
	if s.inbound == nil {
		slog.Error("Server.twilioWebhookHandler: no inbound handler configured", "messageID", in.MessageID)
		writeTwiML(w)
		return
	}

	accepted, err := s.inbound.HandleInbound(r.Context(), in)
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: inbound message rejected", "error", err, "messageID", in.MessageID)
	} else {
		slog.Debug("Server.twilioWebhookHandler: inbound message handled", "messageID", in.MessageID, "accepted", accepted, "media", len(in.MediaURLs))
	}
	writeTwiML(w)
}

// webhookURL reconstructs the URL Twilio signed. A configured public base wins over the
// request's own host, which is wrong behind most proxies.
func (s *Server) webhookURL(r *http.Request) string {
	if s.opts.WebhookBaseURL != "" {
		return strings.TrimRight(s.opts.WebhookBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
