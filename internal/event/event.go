// Package event defines the wire payloads exchanged over the pub/sub bus.
//
// Every message is an envelope {"payload": {...}} whose payload carries an
// "action" discriminator. The action set is closed; routers treat anything
// else as fatal.
package event

import (
	"encoding/json"
	"fmt"
)

// Actions carried on the bus.
const (
	ActionSendMessages      = "send_messages"
	ActionSendToMultiIDs    = "send_to_multi_ids"
	ActionSendMessagesToIDs = "send_messages_to_ids"
	ActionAddOpinion        = "add_opinion"
	ActionSMSFromRapidPro   = "sms_from_rapidpro"
)

// Envelope is the outer wire shape.
type Envelope struct {
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps payload in an envelope and marshals it.
func Encode(payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Payload: inner})
}

// DecodeAction unwraps the envelope and returns the action discriminator plus
// the raw payload for action-specific decoding.
func DecodeAction(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return "", nil, fmt.Errorf("envelope has no payload")
	}

	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(env.Payload, &head); err != nil {
		return "", nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if head.Action == "" {
		return "", nil, fmt.Errorf("payload has no action")
	}
	return head.Action, env.Payload, nil
}

// SendMessages instructs the outbound dispatcher to send each text to every
// resolved recipient.
type SendMessages struct {
	Action   string   `json:"action"`
	IDs      []string `json:"ids"`
	Messages []string `json:"messages"`
}

func (p *SendMessages) Validate() error {
	if p.IDs == nil {
		return fmt.Errorf("%s: missing ids", ActionSendMessages)
	}
	if p.Messages == nil {
		return fmt.Errorf("%s: missing messages", ActionSendMessages)
	}
	return nil
}

// SendToMultiIDs is the single-text command surface; the router rewrites it
// into SendMessages.
type SendToMultiIDs struct {
	Action  string   `json:"action"`
	IDs     []string `json:"ids"`
	Message string   `json:"message"`

	AuthenticatedUserEmail       string `json:"_authenticatedUserEmail,omitempty"`
	AuthenticatedUserDisplayName string `json:"_authenticatedUserDisplayName,omitempty"`
}

func (p *SendToMultiIDs) Validate() error {
	if p.IDs == nil {
		return fmt.Errorf("%s: missing ids", ActionSendToMultiIDs)
	}
	return nil
}

// SendMessagesToIDs is the multi-text command surface; the router rewrites it
// into SendMessages.
type SendMessagesToIDs struct {
	Action   string   `json:"action"`
	IDs      []string `json:"ids"`
	Messages []string `json:"messages"`

	AuthenticatedUserEmail       string `json:"_authenticatedUserEmail,omitempty"`
	AuthenticatedUserDisplayName string `json:"_authenticatedUserDisplayName,omitempty"`
}

func (p *SendMessagesToIDs) Validate() error {
	if p.IDs == nil {
		return fmt.Errorf("%s: missing ids", ActionSendMessagesToIDs)
	}
	if p.Messages == nil {
		return fmt.Errorf("%s: missing messages", ActionSendMessagesToIDs)
	}
	return nil
}

// AddOpinion carries a namespaced opinion write. The opinion map must not
// already contain the authenticated-user keys; the router injects them.
type AddOpinion struct {
	Action    string         `json:"action"`
	Namespace string         `json:"namespace"`
	Opinion   map[string]any `json:"opinion"`
	Source    any            `json:"source"`

	AuthenticatedUserEmail       string `json:"_authenticatedUserEmail"`
	AuthenticatedUserDisplayName string `json:"_authenticatedUserDisplayName"`
}

func (p *AddOpinion) Validate() error {
	if p.Namespace == "" {
		return fmt.Errorf("%s: missing namespace", ActionAddOpinion)
	}
	if p.Opinion == nil {
		return fmt.Errorf("%s: missing opinion", ActionAddOpinion)
	}
	if p.Source == nil {
		return fmt.Errorf("%s: missing source", ActionAddOpinion)
	}
	if p.AuthenticatedUserEmail == "" || p.AuthenticatedUserDisplayName == "" {
		return fmt.Errorf("%s: missing authenticated user fields", ActionAddOpinion)
	}
	if _, ok := p.Opinion["_authenticatedUserEmail"]; ok {
		return fmt.Errorf("%s: opinion already carries _authenticatedUserEmail", ActionAddOpinion)
	}
	if _, ok := p.Opinion["_authenticatedUserDisplayName"]; ok {
		return fmt.Errorf("%s: opinion already carries _authenticatedUserDisplayName", ActionAddOpinion)
	}
	return nil
}

// SMSRaw is one de-identified inbound message.
type SMSRaw struct {
	DeidentifiedPhoneNumber string `json:"deidentified_phone_number"`
	CreatedOn               string `json:"created_on"`
	Text                    string `json:"text"`
	Direction               string `json:"direction"`
}

// SMSFromRapidPro announces a de-identified inbound SMS.
type SMSFromRapidPro struct {
	Action string `json:"action"`
	SMSRaw SMSRaw `json:"sms_raw"`
}

func (p *SMSFromRapidPro) Validate() error {
	if p.SMSRaw.DeidentifiedPhoneNumber == "" {
		return fmt.Errorf("%s: missing sms_raw.deidentified_phone_number", ActionSMSFromRapidPro)
	}
	return nil
}
