package command

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-async-command"
)

// Message is the envelope published for a command on a broker.
type Message struct {
	RequestID     string          `json:"requestId"`
	DeviceID      string          `json:"deviceId"`
	InterfaceName string          `json:"interfaceName,omitempty"`
	CommandName   string          `json:"commandName"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SentAt        time.Time       `json:"sentAt"`
}

func newMessage(req asynccmd.CommandRequest, now time.Time) (Message, error) {
	if err := validateRequest(req); err != nil {
		return Message{}, err
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return Message{}, errors.New("command payload is not valid json")
	}
	msg := Message{
		RequestID:     uuid.NewString(),
		DeviceID:      req.DeviceID,
		InterfaceName: req.InterfaceName,
		CommandName:   req.CommandName,
		SentAt:        now.UTC(),
	}
	if len(req.Payload) > 0 {
		msg.Payload = json.RawMessage(req.Payload)
	}
	return msg, nil
}

// accepted is the response for a command handed to a broker; the device answers only via the stream.
func accepted(requestID string) asynccmd.CommandResponse {
	return asynccmd.CommandResponse{RequestID: requestID, Status: http.StatusAccepted}
}
