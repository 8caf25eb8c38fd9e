package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventKind is the closed set of shapes a messaging event is reduced to
// before any business logic runs.
type EventKind string

const (
	KindDuplicate     EventKind = "duplicate-skip"
	KindSystemEcho    EventKind = "system-echo"
	KindPlainText     EventKind = "plain-text"
	KindShareOnly     EventKind = "share-only"
	KindShareWithText EventKind = "share-with-text"
	KindUnsupported   EventKind = "unsupported-attachment"
)

// Event is one classified messaging event.
type Event struct {
	Kind           EventKind
	RoutingID      string
	SenderID       string
	MessageID      string
	Text           string
	SharedObjectID string
	Timestamp      time.Time
}

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        flexibleID       `json:"id"`
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is one element of entry[].messaging in a webhook delivery.
type MessagingEvent struct {
	Sender    party           `json:"sender"`
	Recipient party           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *inboundMessage `json:"message"`
}

type party struct {
	ID flexibleID `json:"id"`
}

type inboundMessage struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	IsDeleted   bool         `json:"is_deleted"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string     `json:"url"`
		ID  flexibleID `json:"id"`
	} `json:"payload"`
}

// flexibleID accepts ids sent either as JSON strings or as numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// ParsePayload decodes a webhook delivery and classifies every messaging
// event it carries, in delivery order.
func ParsePayload(raw []byte) ([]Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("usecase: ParsePayload: empty payload")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("usecase: ParsePayload: %w", err)
	}
	if len(env.Entry) == 0 {
		return nil, fmt.Errorf("usecase: ParsePayload: no entries")
	}
	var events []Event
	for _, e := range env.Entry {
		for _, m := range e.Messaging {
			events = append(events, ClassifyEvent(string(e.ID), m))
		}
	}
	return events, nil
}

// ClassifyEvent reduces one messaging event to its kind. routingID is the
// entry id; the recipient id is used when it is missing.
func ClassifyEvent(routingID string, m MessagingEvent) Event {
	ev := Event{
		RoutingID: strings.TrimSpace(routingID),
		SenderID:  string(m.Sender.ID),
	}
	if ev.RoutingID == "" {
		ev.RoutingID = string(m.Recipient.ID)
	}
	if m.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	}

	msg := m.Message
	// Read and delivery receipts, reactions and postbacks carry no message.
	if msg == nil || msg.IsEcho || msg.IsDeleted {
		ev.Kind = KindSystemEcho
		return ev
	}
	ev.MessageID = msg.MID
	ev.Text = strings.TrimSpace(msg.Text)

	share, hasShare := firstShare(msg.Attachments)
	if hasShare {
		ev.SharedObjectID = sharedObjectID(share)
	}
	switch {
	case ev.SharedObjectID != "" && ev.Text != "":
		ev.Kind = KindShareWithText
	case ev.SharedObjectID != "":
		ev.Kind = KindShareOnly
	case ev.Text != "":
		ev.Kind = KindPlainText
	default:
		ev.Kind = KindUnsupported
	}
	return ev
}

func firstShare(atts []attachment) (attachment, bool) {
	for _, a := range atts {
		switch a.Type {
		case "share", "ig_post", "ig_reel":
			return a, true
		}
	}
	return attachment{}, false
}

// sharedObjectID prefers the asset_id query parameter of the attachment URL
// and falls back to the payload id.
func sharedObjectID(a attachment) string {
	if a.Payload.URL != "" {
		if u, err := url.Parse(a.Payload.URL); err == nil {
			if id := u.Query().Get("asset_id"); id != "" {
				return id
			}
		}
	}
	return strings.TrimSpace(string(a.Payload.ID))
}
