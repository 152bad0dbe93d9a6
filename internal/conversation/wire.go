package conversation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// wireResult mirrors the backend JSON with pointer fields so that missing
// and mistyped values can be told apart.
type wireResult struct {
	OK          *bool           `json:"ok"`
	SessionID   *string         `json:"sessionId"`
	Stage       *string         `json:"stage"`
	Message     *string         `json:"message"`
	AudioBase64 *string         `json:"audioBase64"`
	Transcript  *string         `json:"transcript"`
	Action      json.RawMessage `json:"action"`
}

type wireAction struct {
	Type   *string         `json:"type"`
	Screen *string         `json:"screen"`
	Params json.RawMessage `json:"params"`
}

// DecodeTurnResult parses and validates a backend reply. Unknown fields are
// ignored; every known field must have the documented type.
func DecodeTurnResult(data []byte) (TurnResult, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return TurnResult{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	var errs []error
	if w.OK == nil {
		errs = append(errs, errors.New("ok is required"))
	}
	if w.SessionID == nil || strings.TrimSpace(*w.SessionID) == "" {
		errs = append(errs, errors.New("sessionId is required"))
	}
	if w.Stage == nil || !Stage(*w.Stage).IsValid() {
		errs = append(errs, fmt.Errorf("stage %q is not a known stage", deref(w.Stage)))
	}
	if w.Message == nil {
		errs = append(errs, errors.New("message is required"))
	}
	if w.AudioBase64 != nil && *w.AudioBase64 != "" {
		if _, err := base64.StdEncoding.DecodeString(*w.AudioBase64); err != nil {
			errs = append(errs, fmt.Errorf("audioBase64: %w", err))
		}
	}
	action, err := decodeAction(w.Action)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return TurnResult{}, fmt.Errorf("%w: %w", ErrMalformedResponse, errors.Join(errs...))
	}

	return TurnResult{
		OK:          *w.OK,
		SessionID:   *w.SessionID,
		Stage:       Stage(*w.Stage),
		Message:     *w.Message,
		AudioBase64: deref(w.AudioBase64),
		Transcript:  strings.TrimSpace(deref(w.Transcript)),
		Action:      action,
	}, nil
}

func decodeAction(raw json.RawMessage) (*Action, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var wa wireAction
	if err := json.Unmarshal(raw, &wa); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	if wa.Type == nil || *wa.Type != ActionNavigate {
		return nil, fmt.Errorf("action type %q is not supported", deref(wa.Type))
	}
	if wa.Screen == nil || *wa.Screen == "" {
		return nil, errors.New("action screen is required")
	}
	a := &Action{Type: *wa.Type, Screen: *wa.Screen}
	if len(wa.Params) > 0 && string(wa.Params) != "null" {
		if err := json.Unmarshal(wa.Params, &a.Params); err != nil {
			return nil, fmt.Errorf("action params must be an object: %w", err)
		}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
