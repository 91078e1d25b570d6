package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all request types; it reports fields by their JSON
// names.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks the struct tags of v.
func Validate(v any) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, fmt.Sprintf("missing required field '%s'", fe.Field()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionSubscribe:        true,
	TypeSessionStart:            true,
	TypeSessionStartInteractive: true,
	TypeSessionSelect:           true,
	TypeSessionReset:            true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	var err error
	switch msg.Type {
	case TypeSessionStart, TypeSessionStartInteractive:
		_, err = Decode[SessionStartPayload](msg.Payload)
	case TypeSessionSelect:
		_, err = Decode[SessionSelectPayload](msg.Payload)
	case TypeSessionSubscribe, TypeSessionReset:
		_, err = Decode[SessionIDPayload](msg.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message, sessionID string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
