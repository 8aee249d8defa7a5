// Package policy decides who may do what to mailing entities.
package policy

import (
	"fmt"

	"mailsched/internal/errs"
)

type Permission string

const (
	// PermViewAllCampaigns allows viewing any campaign and its attempts.
	PermViewAllCampaigns Permission = "view_all_campaigns"
	// PermChangeStatus allows finishing any campaign.
	PermChangeStatus Permission = "change_status"
)

type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionFinish Action = "finish"
)

type Kind string

const (
	KindClient     Kind = "client"
	KindMessage    Kind = "message"
	KindRecurrence Kind = "recurrence"
	KindCampaign   Kind = "campaign"
	KindStats      Kind = "stats"
)

// Actor is whoever performs an administrative operation. ID 0 is anonymous.
type Actor struct {
	ID        int64
	Superuser bool
	Banned    bool
	Perms     []Permission
}

func (a Actor) Has(p Permission) bool {
	for _, have := range a.Perms {
		if have == p {
			return true
		}
	}
	return false
}

// Resource identifies the target. CreatorID is 0 for new or ownerless rows.
type Resource struct {
	Kind      Kind
	CreatorID int64
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Reason: reason} }

// Evaluate applies the rules in order; the first match wins.
func Evaluate(actor Actor, res Resource, action Action) Decision {
	switch {
	case actor.Banned:
		return deny("actor is banned")
	case actor.Superuser:
		return allow("superuser")
	case action == ActionCreate:
		return allow("any active actor may create")
	case res.Kind == KindStats && action == ActionView:
		return allow("stats are public to active actors")
	case actor.ID != 0 && res.CreatorID == actor.ID:
		switch action {
		case ActionView, ActionEdit, ActionDelete, ActionFinish:
			return allow("creator")
		}
	case res.Kind == KindCampaign && action == ActionView && actor.Has(PermViewAllCampaigns):
		return allow(string(PermViewAllCampaigns))
	case res.Kind == KindCampaign && action == ActionFinish && actor.Has(PermChangeStatus):
		return allow(string(PermChangeStatus))
	}
	return deny("no rule grants " + string(action) + " on " + string(res.Kind))
}

// Authorize is Evaluate returning errs.ErrForbidden on deny.
func Authorize(actor Actor, res Resource, action Action) error {
	d := Evaluate(actor, res, action)
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrForbidden, d.Reason)
}
