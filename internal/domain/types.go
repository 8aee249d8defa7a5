// Package domain holds the mailing entities and the pure rules evaluated on
// them: campaign lifecycle and recurrence.
package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"mailsched/internal/errs"
)

// MaxTitleLen is the longest accepted message title, in characters.
const MaxTitleLen = 50

// Client is a mail recipient. Email is unique across clients.
type Client struct {
	ID         int64
	Email      string
	LastName   string
	FirstName  string
	MiddleName string
	Comment    string
	CreatorID  int64 // 0 when unknown
}

func (c Client) Validate() error {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return fmt.Errorf("%w: client email is required", errs.ErrInvalidParameter)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: client email %q: %v", errs.ErrInvalidParameter, email, err)
	}
	return nil
}

// Message is immutable campaign content.
type Message struct {
	ID        int64
	Title     string
	Body      string
	CreatorID int64
}

func (m Message) Validate() error {
	title := strings.TrimSpace(m.Title)
	if title == "" {
		return fmt.Errorf("%w: message title is required", errs.ErrInvalidParameter)
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLen {
		return fmt.Errorf("%w: message title has %d characters, max %d", errs.ErrInvalidParameter, n, MaxTitleLen)
	}
	return nil
}

// Campaign is a recurring mailing of one Message to a set of Clients.
type Campaign struct {
	ID int64
	// FirstSentAt is the zero time until the campaign is scheduled.
	FirstSentAt time.Time
	Recurrence  Recurrence
	Status      Status
	Message     Message
	// Recipients holds resolved recipient emails, ordered by client id.
	Recipients   []string
	RecipientIDs []int64
	CreatorID    int64
}

// Scheduled reports whether FirstSentAt is set.
func (c Campaign) Scheduled() bool { return !c.FirstSentAt.IsZero() }

// Attempt is one dispatch outcome for a campaign. Attempts are append-only.
type Attempt struct {
	ID           int64
	CampaignID   int64
	LastAttempt  time.Time
	IsSuccess    *bool
	ServerAnswer string
}

// Succeeded reports a recorded success; an unknown outcome is not a success.
func (a Attempt) Succeeded() bool { return a.IsSuccess != nil && *a.IsSuccess }

// ExecStatus is the outcome of one scheduler job run.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecPanic   ExecStatus = "panic"
	ExecSkipped ExecStatus = "skipped"
)

// Execution is one row of scheduler job history.
type Execution struct {
	ID         int64
	RunID      string
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Status     ExecStatus
	Error      string
}

// Stats are the headline counters shown to operators.
type Stats struct {
	Campaigns       int64 `json:"campaigns"`
	ActiveCampaigns int64 `json:"active_campaigns"`
	UniqueClients   int64 `json:"unique_clients"`
}
