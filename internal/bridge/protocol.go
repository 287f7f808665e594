package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ppiankov/peekr/internal/store"
)

// Companion actions.
const (
	actionGetQR  = "getQR"
	actionLogout = "logout"
)

// Companion event types.
const (
	eventQR           = "qr"
	eventReady        = "ready"
	eventMessage      = "message"
	eventDisconnected = "disconnected"
	eventError        = "error"
)

const groupPrefix = "👥 "

type command struct {
	Action string `json:"action"`
}

// envelope is one frame pushed by the companion. The shape of Data depends
// on Type.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope{}, err
	}
	if env.Type == "" {
		return envelope{}, errors.New("frame without type")
	}
	return env, nil
}

// qrCode extracts the pairing artifact. Older companions send it as a bare
// string, newer ones as {"code": ...}.
func (e envelope) qrCode() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	var obj struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(e.Data, &obj)
	return obj.Code
}

type readyData struct {
	Name string `json:"name"`
}

type disconnectedData struct {
	Reason string `json:"reason"`
}

// decodeData unmarshals Data into v, leaving v untouched when Data is absent.
func (e envelope) decodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// inboundMessage is the payload of a "message" event.
type inboundMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
	IsGroup    bool   `json:"isGroup"`
	ChatName   string `json:"chatName"`
	SenderName string `json:"senderName"`
}

var errEmptyMessage = errors.New("message without body")

// post normalizes the message. Group chats get a marked source name and the
// sender prefixed to the body.
func (m inboundMessage) post(now func() time.Time) (store.PostInput, error) {
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return store.PostInput{}, errEmptyMessage
	}
	if strings.TrimSpace(m.From) == "" {
		return store.PostInput{}, errors.New("message without sender")
	}

	sender := m.SenderName
	if sender == "" {
		sender = m.From
	}
	chat := m.ChatName
	if chat == "" {
		chat = sender
	}

	name, content := chat, body
	if m.IsGroup {
		name = groupPrefix + chat
		content = sender + ": " + body
	}

	postedAt := now().UTC()
	if m.Timestamp > 0 {
		postedAt = time.Unix(m.Timestamp, 0).UTC()
	}

	return store.PostInput{
		Platform:   "whatsapp",
		SourceID:   m.From,
		SourceName: name,
		ExternalID: m.ID,
		Content:    content,
		PostedAt:   postedAt,
	}, nil
}
