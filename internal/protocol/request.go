package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Options is the prover argument list. Clients may send it as a JSON array
// of strings or as one string that is split on whitespace.
type Options []string

func (o *Options) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = strings.Fields(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("options must be a string or an array of strings")
	}
	*o = list
	return nil
}

// SelectionID is a clause number sent as a JSON number or a numeric string.
type SelectionID int

func (id *SelectionID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("id must be an integer, got %s", data)
	}
	*id = SelectionID(n)
	return nil
}

// StartRequest is the body of the start routes. An empty File is passed on
// so the session can report it.
type StartRequest struct {
	File               string  `json:"file"`
	VampireUserOptions Options `json:"vampireUserOptions"`
}

// SelectRequest is the body of the select routes.
type SelectRequest struct {
	ID *SelectionID `json:"id" validate:"required"`
}

// Decode unmarshals data into a T and validates it.
func Decode[T any](data []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		return v, fmt.Errorf("request body is empty")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := Validate(&v); err != nil {
		return v, err
	}
	return v, nil
}
