package webhook

import (
	"encoding/json"
	"strings"
)

// Outcome classifies a decoded webhook body. Anything that is not OK is
// acknowledged to the provider and dropped.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeUnrecognized means the body did not match the provider shape.
	OutcomeUnrecognized
	// OutcomeSelf means the message was sent by our own instance.
	OutcomeSelf
	// OutcomeEmpty means no text content was found in the message.
	OutcomeEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSelf:
		return "self"
	case OutcomeEmpty:
		return "empty"
	default:
		return "unrecognized"
	}
}

// Inbound is the normalized message extracted from a provider payload.
type Inbound struct {
	Phone     string
	Text      string
	MessageID string
	PushName  string
	Timestamp int64
}

type envelope struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		Message struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage *struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
		MessageTimestamp int64  `json:"messageTimestamp"`
		PushName         string `json:"pushName"`
	} `json:"data"`
}

// Decode validates a provider body and extracts the inbound message. Text is
// taken from the first populated content field, in preference order.
func Decode(body []byte) (Inbound, Outcome) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Inbound{}, OutcomeUnrecognized
	}
	if env.Data.Key.RemoteJid == "" || env.Data.Key.ID == "" {
		return Inbound{}, OutcomeUnrecognized
	}
	if env.Data.Key.FromMe {
		return Inbound{}, OutcomeSelf
	}

	text := env.Data.Message.Conversation
	if text == "" && env.Data.Message.ExtendedTextMessage != nil {
		text = env.Data.Message.ExtendedTextMessage.Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Inbound{}, OutcomeEmpty
	}

	phone := digitsOnly(env.Data.Key.RemoteJid)
	if phone == "" {
		return Inbound{}, OutcomeUnrecognized
	}

	return Inbound{
		Phone:     phone,
		Text:      text,
		MessageID: env.Data.Key.ID,
		PushName:  env.Data.PushName,
		Timestamp: env.Data.MessageTimestamp,
	}, OutcomeOK
}

func digitsOnly(jid string) string {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	var sb strings.Builder
	for _, r := range jid {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
