// Package task defines the unit of queued work and its command variants.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the command variants a task can carry.
type Kind string

const (
	// KindMention runs an AI coding session against the channel's repository.
	KindMention Kind = "mention"
	// KindUndo reverts the channel's last commit and pushes the revert.
	KindUndo Kind = "undo"
	// KindAddRepo attaches a repository to the channel.
	KindAddRepo Kind = "add_repo"
	// KindDiff reports the diff of the channel's most recent commit.
	KindDiff Kind = "diff"
)

var validKinds = map[Kind]struct{}{
	KindMention: {},
	KindUndo:    {},
	KindAddRepo: {},
	KindDiff:    {},
}

// Validation errors, surfaced before anything is persisted.
var (
	ErrInvalidChannelID = errors.New("task: invalid channel id")
	ErrInvalidUserID    = errors.New("task: invalid user id")
	ErrUnknownKind      = errors.New("task: unknown command kind")
	ErrBadPayload       = errors.New("task: malformed payload")
)

// Identifiers are chat-platform IDs: digits, letters, and a few separators.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidateChannelID checks a channel identifier.
func ValidateChannelID(channelID string) error {
	if !identifierPattern.MatchString(channelID) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}
	return nil
}

// ValidateUserID checks a user identifier.
func ValidateUserID(userID string) error {
	if !identifierPattern.MatchString(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// Task is one unit of queued work tied to a channel. Immutable once created;
// removed from the queue after execution regardless of outcome.
type Task struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// MentionPayload carries a coding prompt for the AI engine.
type MentionPayload struct {
	Prompt       string   `json:"prompt"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// AddRepoPayload carries the registration data for attaching a repository.
// The private key is plaintext only inside this in-memory payload; it is
// encrypted before it ever reaches the store.
type AddRepoPayload struct {
	RepoURL    string `json:"repo_url"`
	PrivateKey string `json:"private_key"`
}

// UndoPayload and DiffPayload carry no data; the variants exist so dispatch
// stays a closed set.
type UndoPayload struct{}

type DiffPayload struct{}

func newTask(userID string, kind Kind, payload any) (*Task, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Task{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// NewMention creates a Mention task.
func NewMention(userID, prompt string, contextFiles []string) (*Task, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrBadPayload)
	}
	return newTask(userID, KindMention, MentionPayload{Prompt: prompt, ContextFiles: contextFiles})
}

// NewUndo creates an Undo task.
func NewUndo(userID string) (*Task, error) {
	return newTask(userID, KindUndo, UndoPayload{})
}

// NewAddRepo creates an AddRepo task.
func NewAddRepo(userID, repoURL, privateKey string) (*Task, error) {
	if repoURL == "" {
		return nil, fmt.Errorf("%w: empty repo url", ErrBadPayload)
	}
	if privateKey == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrBadPayload)
	}
	return newTask(userID, KindAddRepo, AddRepoPayload{RepoURL: repoURL, PrivateKey: privateKey})
}

// NewDiff creates a Diff task.
func NewDiff(userID string) (*Task, error) {
	return newTask(userID, KindDiff, DiffPayload{})
}

// Validate checks the task's identity fields and kind.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrBadPayload)
	}
	if err := ValidateUserID(t.UserID); err != nil {
		return err
	}
	if _, ok := validKinds[t.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	return nil
}

// Mention decodes the payload of a Mention task.
func (t *Task) Mention() (MentionPayload, error) {
	var p MentionPayload
	if t.Kind != KindMention {
		return p, fmt.Errorf("%w: task is %q, not %q", ErrBadPayload, t.Kind, KindMention)
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Prompt == "" {
		return p, fmt.Errorf("%w: empty prompt", ErrBadPayload)
	}
	return p, nil
}

// AddRepo decodes the payload of an AddRepo task.
func (t *Task) AddRepo() (AddRepoPayload, error) {
	var p AddRepoPayload
	if t.Kind != KindAddRepo {
		return p, fmt.Errorf("%w: task is %q, not %q", ErrBadPayload, t.Kind, KindAddRepo)
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.RepoURL == "" || p.PrivateKey == "" {
		return p, fmt.Errorf("%w: add_repo payload missing fields", ErrBadPayload)
	}
	return p, nil
}
