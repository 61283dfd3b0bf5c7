// Package opinion applies namespaced opinion writes to the conversation
// store.
//
// This process is the only writer, so conversations are held in a
// write-through in-memory cache; each applied opinion mutates the cache,
// marks the conversation dirty, and dirty conversations are flushed under the
// same lock that applied the write.
package opinion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.nookbridge.tech/internal/common/metrics"
)

// ErrNotFound indicates a conversation absent from the store.
var ErrNotFound = errors.New("conversation not found")

// Message is one entry in a conversation's message list.
type Message struct {
	Datetime    string   `bson:"datetime" json:"datetime"`
	Direction   string   `bson:"direction" json:"direction"`
	Text        string   `bson:"text" json:"text"`
	Translation string   `bson:"translation" json:"translation"`
	ID          string   `bson:"id" json:"id"`
	Tags        []string `bson:"tags" json:"tags"`
}

// Conversation is the stored conversation document.
type Conversation struct {
	DeidentifiedPhoneNumber string         `bson:"deidentified_phone_number" json:"deidentified_phone_number"`
	DemographicsInfo        map[string]any `bson:"demographicsInfo" json:"demographicsInfo"`
	Messages                []Message      `bson:"messages" json:"messages"`
	Notes                   string         `bson:"notes" json:"notes"`
	Tags                    []string       `bson:"tags" json:"tags"`
	Unread                  bool           `bson:"unread" json:"unread"`
}

func emptyConversation(id string) *Conversation {
	return &Conversation{
		DeidentifiedPhoneNumber: id,
		DemographicsInfo:        map[string]any{},
		Messages:                []Message{},
		Notes:                   "",
		Tags:                    []string{},
		Unread:                  true,
	}
}

// Repo is the persistence seam for conversations and suggested replies.
type Repo interface {
	// GetConversation returns the stored conversation, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// PutConversation stores conv under id, replacing any existing document.
	PutConversation(ctx context.Context, id string, conv *Conversation) error

	// PutSuggestedReply stores reply under id, replacing any existing
	// document.
	PutSuggestedReply(ctx context.Context, id string, reply map[string]any) error
}

// Opinion is a decoded opinion payload.
type Opinion map[string]any

type reactor func(s *Store, ctx context.Context, op Opinion) error

// Store applies opinions for the closed set of namespaces.
type Store struct {
	repo Repo

	mu            sync.Mutex
	conversations map[string]*Conversation
	dirty         map[string]struct{}
}

// NewStore creates a store over repo.
func NewStore(repo Repo) *Store {
	return &Store{
		repo:          repo,
		conversations: make(map[string]*Conversation),
		dirty:         make(map[string]struct{}),
	}
}

var reactors = map[string]reactor{
	"nook_conversations/add_tags":    (*Store).addConversationTags,
	"nook_conversations/remove_tags": (*Store).removeConversationTags,
	"nook_conversations/set_notes":   (*Store).setNotes,
	"nook_conversations/set_unread":  notImplemented("nook_conversations/set_unread"),
	"nook_messages/add_tags":         notImplemented("nook_messages/add_tags"),
	"nook_messages/remove_tags":      notImplemented("nook_messages/remove_tags"),
	"nook_messages/set_translation":  notImplemented("nook_messages/set_translation"),
	"sms_raw_msg":                    (*Store).ingestSMS,
	"nook/set_suggested_replies":     (*Store).setSuggestedReplies,
}

// Apply runs the reactor for namespace and flushes every dirty conversation,
// all under one lock. An unknown namespace is an error.
func (s *Store) Apply(ctx context.Context, namespace string, op Opinion) error {
	react, ok := reactors[namespace]
	if !ok {
		return fmt.Errorf("unknown opinion namespace: %s", namespace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("namespace", namespace).Msg("Applying opinion")
	if err := react(s, ctx, op); err != nil {
		return err
	}
	metrics.OpinionWrites.WithLabelValues(namespace).Inc()

	return s.flushLocked(ctx)
}

// flushLocked writes every dirty conversation back to the repo.
func (s *Store) flushLocked(ctx context.Context) error {
	for id := range s.dirty {
		if err := s.repo.PutConversation(ctx, id, s.conversations[id]); err != nil {
			return fmt.Errorf("failed to flush conversation: %w", err)
		}
		metrics.OpinionDirtyFlushes.Inc()
	}
	s.dirty = make(map[string]struct{})
	return nil
}

// loadLocked returns the cached conversation for id, reading it from the repo
// or bootstrapping an empty one on first touch.
func (s *Store) loadLocked(ctx context.Context, id string) (*Conversation, error) {
	if conv, ok := s.conversations[id]; ok {
		return conv, nil
	}

	conv, err := s.repo.GetConversation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		conv = emptyConversation(id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	s.conversations[id] = conv
	return conv, nil
}

func (s *Store) ingestSMS(ctx context.Context, op Opinion) error {
	id, err := op.stringField("deidentified_phone_number")
	if err != nil {
		return err
	}
	createdOn, err := op.stringField("created_on")
	if err != nil {
		return err
	}
	text, err := op.stringField("text")
	if err != nil {
		return err
	}
	direction, err := op.stringField("direction")
	if err != nil {
		return err
	}

	conv, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	conv.Messages = append(conv.Messages, Message{
		Datetime:    createdOn,
		Direction:   direction,
		Text:        text,
		Translation: "",
		ID:          uuid.NewString(),
		Tags:        []string{},
	})
	s.dirty[id] = struct{}{}
	return nil
}

func (s *Store) addConversationTags(ctx context.Context, op Opinion) error {
	id, err := op.stringField("deidentified_phone_number")
	if err != nil {
		return err
	}
	tags, err := op.stringsField("tags")
	if err != nil {
		return err
	}

	conv, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		if !contains(conv.Tags, tag) {
			conv.Tags = append(conv.Tags, tag)
		}
	}
	s.dirty[id] = struct{}{}
	return nil
}

func (s *Store) removeConversationTags(ctx context.Context, op Opinion) error {
	id, err := op.stringField("deidentified_phone_number")
	if err != nil {
		return err
	}
	tags, err := op.stringsField("tags")
	if err != nil {
		return err
	}

	conv, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		kept := conv.Tags[:0]
		for _, existing := range conv.Tags {
			if existing != tag {
				kept = append(kept, existing)
			}
		}
		conv.Tags = kept
	}
	s.dirty[id] = struct{}{}
	return nil
}

func (s *Store) setNotes(ctx context.Context, op Opinion) error {
	id, err := op.stringField("deidentified_phone_number")
	if err != nil {
		return err
	}
	notes, err := op.stringField("notes")
	if err != nil {
		return err
	}

	conv, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	conv.Notes = notes
	s.dirty[id] = struct{}{}
	return nil
}

// setSuggestedReplies writes a suggested reply document immediately, outside
// the conversation cache.
func (s *Store) setSuggestedReplies(ctx context.Context, op Opinion) error {
	text, err := op.stringField("text")
	if err != nil {
		return err
	}
	translation, err := op.stringField("translation")
	if err != nil {
		return err
	}
	id, err := op.stringField("__id")
	if err != nil {
		return err
	}

	reply := map[string]any{
		"text":        text,
		"translation": translation,
		"shortcut":    "",
	}
	if shortcut, ok := op["shortcut"]; ok {
		reply["shortcut"] = shortcut
	}
	for _, key := range []string{"seq_no", "category", "group_id", "group_description", "index_in_group"} {
		if v, ok := op[key]; ok {
			reply[key] = v
		}
	}

	return s.repo.PutSuggestedReply(ctx, id, reply)
}

func notImplemented(namespace string) reactor {
	return func(_ *Store, _ context.Context, _ Opinion) error {
		log.Warn().Str("namespace", namespace).Msg("Opinion reactor not implemented")
		return nil
	}
}

func (op Opinion) stringField(key string) (string, error) {
	v, ok := op[key]
	if !ok {
		return "", fmt.Errorf("opinion missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("opinion field %q is not a string", key)
	}
	return s, nil
}

func (op Opinion) stringsField(key string) ([]string, error) {
	v, ok := op[key]
	if !ok {
		return nil, fmt.Errorf("opinion missing field %q", key)
	}
	switch vs := v.(type) {
	case []string:
		return vs, nil
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("opinion field %q contains a non-string", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("opinion field %q is not a list", key)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
