package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWrapsInEnvelope(t *testing.T) {
	data, err := Encode(&SendMessages{
		Action:   ActionSendMessages,
		IDs:      []string{"nook-phone-uuid-abc"},
		Messages: []string{"hello"},
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "payload")

	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "send_messages", payload["action"])
}

func TestDecodeActionRoundTrip(t *testing.T) {
	data, err := Encode(&SMSFromRapidPro{
		Action: ActionSMSFromRapidPro,
		SMSRaw: SMSRaw{
			DeidentifiedPhoneNumber: "nook-phone-uuid-abc",
			CreatedOn:               "2024-01-02T03:04:05+00:00",
			Text:                    "hi",
			Direction:               "in",
		},
	})
	require.NoError(t, err)

	action, payload, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, ActionSMSFromRapidPro, action)

	var p SMSFromRapidPro
	require.NoError(t, json.Unmarshal(payload, &p))
	require.NoError(t, p.Validate())
	assert.Equal(t, "hi", p.SMSRaw.Text)
	assert.Equal(t, "in", p.SMSRaw.Direction)
}

func TestDecodeActionErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"no payload", `{}`},
		{"no action", `{"payload":{"ids":[]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeAction([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestValidateRequiredFields(t *testing.T) {
	assert.Error(t, (&SendMessages{Action: ActionSendMessages, Messages: []string{"x"}}).Validate())
	assert.Error(t, (&SendMessages{Action: ActionSendMessages, IDs: []string{"a"}}).Validate())
	assert.NoError(t, (&SendMessages{IDs: []string{}, Messages: []string{}}).Validate())

	assert.Error(t, (&SendToMultiIDs{Message: "x"}).Validate())
	assert.NoError(t, (&SendToMultiIDs{IDs: []string{"a"}, Message: "x"}).Validate())

	assert.Error(t, (&SendMessagesToIDs{IDs: []string{"a"}}).Validate())
}

func TestAddOpinionValidate(t *testing.T) {
	valid := func() *AddOpinion {
		return &AddOpinion{
			Action:                       ActionAddOpinion,
			Namespace:                    "nook_conversations/tags",
			Opinion:                      map[string]any{"conversation_id": "nook-phone-uuid-abc"},
			Source:                       "client",
			AuthenticatedUserEmail:       "who@where.com",
			AuthenticatedUserDisplayName: "someone",
		}
	}

	require.NoError(t, valid().Validate())

	p := valid()
	p.AuthenticatedUserEmail = ""
	assert.Error(t, p.Validate())

	p = valid()
	p.Opinion["_authenticatedUserEmail"] = "spoofed@where.com"
	assert.Error(t, p.Validate(), "pre-set auth keys must be rejected")

	p = valid()
	p.Source = nil
	assert.Error(t, p.Validate())
}
