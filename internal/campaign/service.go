// Package campaign is the administrative surface over mailing entities.
// Every operation is checked by package policy before it touches the store.
package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/errs"
	"mailsched/internal/policy"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

// Store is the persistence the service needs. *storage.Store implements it.
type Store interface {
	CreateClient(ctx context.Context, c domain.Client) (int64, error)
	CreateMessage(ctx context.Context, m domain.Message) (int64, error)
	CreateRecurrence(ctx context.Context, r domain.Recurrence) (int64, error)
	CreateCampaign(ctx context.Context, c domain.Campaign) (int64, error)
	SetRecipients(ctx context.Context, campaignID int64, clientIDs []int64) error
	GetCampaign(ctx context.Context, id int64) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, f storage.CampaignFilter) ([]domain.Campaign, error)
	ListAttempts(ctx context.Context, campaignID int64, limit int) ([]domain.Attempt, error)
	TransitionStatus(ctx context.Context, id int64, from, to domain.Status) error
	Exists(ctx context.Context, table string, id int64) (bool, error)
	CreatorOf(ctx context.Context, table string, id int64) (int64, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// NewCampaign is the input of CreateCampaign.
type NewCampaign struct {
	MessageID    int64
	RecurrenceID int64
	// FirstSentAt may be zero; the campaign then stays New and is never due.
	FirstSentAt  time.Time
	RecipientIDs []int64
}

type Service struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log.With(logx.String("comp", "campaign"))}
}

func (s *Service) CreateClient(ctx context.Context, actor policy.Actor, c domain.Client) (int64, error) {
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindClient}, policy.ActionCreate); err != nil {
		return 0, err
	}
	c.Email = strings.TrimSpace(c.Email)
	if err := c.Validate(); err != nil {
		return 0, err
	}
	c.CreatorID = actor.ID
	id, err := s.store.CreateClient(ctx, c)
	if err != nil {
		return 0, err
	}
	s.log.Info("client created", logx.Int64("client_id", id), logx.Int64("actor_id", actor.ID))
	return id, nil
}

func (s *Service) CreateMessage(ctx context.Context, actor policy.Actor, m domain.Message) (int64, error) {
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindMessage}, policy.ActionCreate); err != nil {
		return 0, err
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}
	m.CreatorID = actor.ID
	id, err := s.store.CreateMessage(ctx, m)
	if err != nil {
		return 0, err
	}
	s.log.Info("message created", logx.Int64("message_id", id), logx.Int64("actor_id", actor.ID))
	return id, nil
}

func (s *Service) CreateRecurrence(ctx context.Context, actor policy.Actor, r domain.Recurrence) (int64, error) {
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindRecurrence}, policy.ActionCreate); err != nil {
		return 0, err
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return s.store.CreateRecurrence(ctx, r)
}

// CreateCampaign stores a campaign in status New. The message, recurrence
// and every recipient must exist, and the message and recipients must be
// visible to actor.
func (s *Service) CreateCampaign(ctx context.Context, actor policy.Actor, in NewCampaign) (int64, error) {
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindCampaign}, policy.ActionCreate); err != nil {
		return 0, err
	}
	if err := s.mustOwn(ctx, actor, "messages", policy.KindMessage, in.MessageID); err != nil {
		return 0, err
	}
	if err := s.mustExist(ctx, "recurrences", in.RecurrenceID); err != nil {
		return 0, err
	}
	if err := s.checkClients(ctx, actor, in.RecipientIDs); err != nil {
		return 0, err
	}

	id, err := s.store.CreateCampaign(ctx, domain.Campaign{
		FirstSentAt:  in.FirstSentAt,
		Recurrence:   domain.Recurrence{ID: in.RecurrenceID},
		Message:      domain.Message{ID: in.MessageID},
		Status:       domain.StatusNew,
		RecipientIDs: in.RecipientIDs,
		CreatorID:    actor.ID,
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("campaign created",
		logx.Int64("campaign_id", id),
		logx.Int64("actor_id", actor.ID),
		logx.Int("recipients", len(in.RecipientIDs)),
		logx.Bool("scheduled", !in.FirstSentAt.IsZero()),
	)
	return id, nil
}

// SetRecipients replaces a campaign's recipient set. Finished campaigns are
// frozen.
func (s *Service) SetRecipients(ctx context.Context, actor policy.Actor, campaignID int64, clientIDs []int64) error {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindCampaign, CreatorID: c.CreatorID}, policy.ActionEdit); err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: campaign %d is %s", errs.ErrConflict, campaignID, c.Status)
	}
	if err := s.checkClients(ctx, actor, clientIDs); err != nil {
		return err
	}
	return s.store.SetRecipients(ctx, campaignID, clientIDs)
}

// FinishCampaign moves a campaign to Finished. Finishing a finished
// campaign is a no-op.
func (s *Service) FinishCampaign(ctx context.Context, actor policy.Actor, campaignID int64) error {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindCampaign, CreatorID: c.CreatorID}, policy.ActionFinish); err != nil {
		return err
	}
	if c.Status == domain.StatusFinished {
		return nil
	}
	if err := s.store.TransitionStatus(ctx, c.ID, c.Status, domain.StatusFinished); err != nil {
		return err
	}
	s.log.Info("campaign finished", logx.Int64("campaign_id", c.ID), logx.Int64("actor_id", actor.ID), logx.String("from", string(c.Status)))
	return nil
}

func (s *Service) GetCampaign(ctx context.Context, actor policy.Actor, campaignID int64) (domain.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindCampaign, CreatorID: c.CreatorID}, policy.ActionView); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// ListCampaigns returns the campaigns actor may view. Actors without a
// global view grant only see their own.
func (s *Service) ListCampaigns(ctx context.Context, actor policy.Actor, f storage.CampaignFilter) ([]domain.Campaign, error) {
	if actor.Banned {
		return nil, policy.Authorize(actor, policy.Resource{Kind: policy.KindCampaign}, policy.ActionView)
	}
	if f.Status != "" {
		if _, err := domain.ParseStatus(f.Status); err != nil {
			return nil, err
		}
	}
	if !actor.Superuser && !actor.Has(policy.PermViewAllCampaigns) {
		if actor.ID == 0 {
			return nil, nil
		}
		f.CreatorID = actor.ID
	}
	return s.store.ListCampaigns(ctx, f)
}

// ListAttempts returns a campaign's attempts, newest first.
func (s *Service) ListAttempts(ctx context.Context, actor policy.Actor, campaignID int64, limit int) ([]domain.Attempt, error) {
	if _, err := s.GetCampaign(ctx, actor, campaignID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, campaignID, limit)
}

func (s *Service) Stats(ctx context.Context, actor policy.Actor) (domain.Stats, error) {
	if err := policy.Authorize(actor, policy.Resource{Kind: policy.KindStats}, policy.ActionView); err != nil {
		return domain.Stats{}, err
	}
	return s.store.Stats(ctx)
}

func (s *Service) mustExist(ctx context.Context, table string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s id is required", errs.ErrInvalidParameter, strings.TrimSuffix(table, "s"))
	}
	ok, err := s.store.Exists(ctx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %d", errs.ErrNotFound, strings.TrimSuffix(table, "s"), id)
	}
	return nil
}

// mustOwn loads a referenced row's creator and checks that actor may view
// it, so campaigns only use the actor's own messages and clients.
func (s *Service) mustOwn(ctx context.Context, actor policy.Actor, table string, kind policy.Kind, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s id is required", errs.ErrInvalidParameter, strings.TrimSuffix(table, "s"))
	}
	creator, err := s.store.CreatorOf(ctx, table, id)
	if err != nil {
		return err
	}
	if err := policy.Authorize(actor, policy.Resource{Kind: kind, CreatorID: creator}, policy.ActionView); err != nil {
		return fmt.Errorf("%s %d: %w", strings.TrimSuffix(table, "s"), id, err)
	}
	return nil
}

func (s *Service) checkClients(ctx context.Context, actor policy.Actor, ids []int64) error {
	for _, id := range ids {
		if err := s.mustOwn(ctx, actor, "clients", policy.KindClient, id); err != nil {
			return err
		}
	}
	return nil
}
