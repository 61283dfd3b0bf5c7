package opinion

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	replies       map[string]map[string]any
	putCount      int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		conversations: make(map[string]*Conversation),
		replies:       make(map[string]map[string]any),
	}
}

func (r *fakeRepo) GetConversation(_ context.Context, id string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (r *fakeRepo) PutConversation(_ context.Context, id string, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *conv
	r.conversations[id] = &clone
	r.putCount++
	return nil
}

func (r *fakeRepo) PutSuggestedReply(_ context.Context, id string, reply map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[id] = reply
	return nil
}

const convID = "nook-phone-uuid-abc"

func smsOpinion(text string) Opinion {
	return Opinion{
		"deidentified_phone_number": convID,
		"created_on":                "2024-03-01T10:00:00+00:00",
		"text":                      text,
		"direction":                 "in",
	}
}

func TestIngestSMSBootstrapsEmptyConversation(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)

	require.NoError(t, store.Apply(context.Background(), "sms_raw_msg", smsOpinion("hello")))

	conv := repo.conversations[convID]
	require.NotNil(t, conv, "conversation must be flushed")
	assert.Equal(t, convID, conv.DeidentifiedPhoneNumber)
	assert.True(t, conv.Unread)
	assert.Empty(t, conv.Tags)
	assert.Equal(t, "", conv.Notes)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text)
	assert.Equal(t, "in", conv.Messages[0].Direction)
	assert.Equal(t, "2024-03-01T10:00:00+00:00", conv.Messages[0].Datetime)
	assert.Equal(t, "", conv.Messages[0].Translation)
	assert.Empty(t, conv.Messages[0].Tags)
	assert.NotEmpty(t, conv.Messages[0].ID)
}

func TestIngestSMSAppendsAndTolerDuplicates(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, "sms_raw_msg", smsOpinion("one")))
	require.NoError(t, store.Apply(ctx, "sms_raw_msg", smsOpinion("two")))
	require.NoError(t, store.Apply(ctx, "sms_raw_msg", smsOpinion("two")))

	conv := repo.conversations[convID]
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "one", conv.Messages[0].Text)
	assert.Equal(t, "two", conv.Messages[1].Text)
}

func TestAddAndRemoveConversationTags(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, "nook_conversations/add_tags", Opinion{
		"deidentified_phone_number": convID,
		"tags":                      []any{"urgent", "urgent", "followup"},
	}))
	assert.Equal(t, []string{"urgent", "followup"}, repo.conversations[convID].Tags)

	require.NoError(t, store.Apply(ctx, "nook_conversations/remove_tags", Opinion{
		"deidentified_phone_number": convID,
		"tags":                      []any{"urgent"},
	}))
	assert.Equal(t, []string{"followup"}, repo.conversations[convID].Tags)
}

func TestSetNotes(t *testing.T) {
	repo := newFakeRepo()
	repo.conversations[convID] = &Conversation{
		DeidentifiedPhoneNumber: convID,
		Messages:                []Message{},
		Tags:                    []string{"kept"},
	}
	store := NewStore(repo)

	require.NoError(t, store.Apply(context.Background(), "nook_conversations/set_notes", Opinion{
		"deidentified_phone_number": convID,
		"notes":                     "spoke on the phone",
	}))

	conv := repo.conversations[convID]
	assert.Equal(t, "spoke on the phone", conv.Notes)
	assert.Equal(t, []string{"kept"}, conv.Tags, "existing fields survive the flush")
}

func TestNotImplementedNamespacesAreNoOps(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)
	ctx := context.Background()

	for _, namespace := range []string{
		"nook_conversations/set_unread",
		"nook_messages/add_tags",
		"nook_messages/remove_tags",
		"nook_messages/set_translation",
	} {
		require.NoError(t, store.Apply(ctx, namespace, Opinion{
			"deidentified_phone_number": convID,
		}), namespace)
	}
	assert.Zero(t, repo.putCount, "no-op reactors must not flush anything")
}

func TestUnknownNamespaceFails(t *testing.T) {
	store := NewStore(newFakeRepo())
	err := store.Apply(context.Background(), "nook_conversations/explode", Opinion{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown opinion namespace")
}

func TestSetSuggestedReplies(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)

	require.NoError(t, store.Apply(context.Background(), "nook/set_suggested_replies", Opinion{
		"__id":        "reply-1",
		"text":        "Thanks for reaching out",
		"translation": "Asante kwa kuwasiliana",
		"seq_no":      float64(3),
	}))

	reply := repo.replies["reply-1"]
	require.NotNil(t, reply)
	assert.Equal(t, "Thanks for reaching out", reply["text"])
	assert.Equal(t, "", reply["shortcut"], "shortcut defaults to empty")
	assert.Equal(t, float64(3), reply["seq_no"])
	assert.NotContains(t, reply, "category")
	assert.Zero(t, repo.putCount, "suggested replies bypass the conversation cache")
}

func TestSetSuggestedRepliesRequiresMandatoryFields(t *testing.T) {
	store := NewStore(newFakeRepo())
	err := store.Apply(context.Background(), "nook/set_suggested_replies", Opinion{
		"text": "no translation or id",
	})
	require.Error(t, err)
}

func TestMissingFieldFailsBeforeFlush(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo)

	err := store.Apply(context.Background(), "sms_raw_msg", Opinion{
		"deidentified_phone_number": convID,
		// created_on, text, direction missing
	})
	require.Error(t, err)
	assert.Zero(t, repo.putCount)
}
