package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailsched/internal/errs"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()
	owner := Actor{ID: 7}
	other := Actor{ID: 8}
	viewer := Actor{ID: 9, Perms: []Permission{PermViewAllCampaigns}}
	operator := Actor{ID: 10, Perms: []Permission{PermChangeStatus}}
	root := Actor{ID: 1, Superuser: true}
	banned := Actor{ID: 7, Superuser: true, Banned: true}
	own := Resource{Kind: KindCampaign, CreatorID: 7}

	tests := []struct {
		name   string
		actor  Actor
		res    Resource
		action Action
		want   bool
	}{
		{"creator views own", owner, own, ActionView, true},
		{"creator edits own", owner, own, ActionEdit, true},
		{"creator deletes own", owner, own, ActionDelete, true},
		{"creator finishes own", owner, own, ActionFinish, true},
		{"stranger cannot view", other, own, ActionView, false},
		{"stranger cannot finish", other, own, ActionFinish, false},
		{"view-all may view", viewer, own, ActionView, true},
		{"view-all may not finish", viewer, own, ActionFinish, false},
		{"view-all limited to campaigns", viewer, Resource{Kind: KindClient, CreatorID: 7}, ActionView, false},
		{"change-status may finish", operator, own, ActionFinish, true},
		{"change-status may not edit", operator, own, ActionEdit, false},
		{"superuser anything", root, own, ActionDelete, true},
		{"banned denied even as superuser", banned, own, ActionView, false},
		{"anyone may create", other, Resource{Kind: KindMessage}, ActionCreate, true},
		{"anonymous may create", Actor{}, Resource{Kind: KindClient}, ActionCreate, true},
		{"anonymous does not own ownerless rows", Actor{}, Resource{Kind: KindCampaign}, ActionEdit, false},
		{"stats visible", other, Resource{Kind: KindStats}, ActionView, true},
		{"banned cannot create", Actor{Banned: true}, Resource{Kind: KindClient}, ActionCreate, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Evaluate(tt.actor, tt.res, tt.action)
			assert.Equal(t, tt.want, d.Allowed, d.Reason)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestAuthorizeWrapsForbidden(t *testing.T) {
	t.Parallel()
	err := Authorize(Actor{ID: 2}, Resource{Kind: KindCampaign, CreatorID: 3}, ActionFinish)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.NoError(t, Authorize(Actor{ID: 3}, Resource{Kind: KindCampaign, CreatorID: 3}, ActionFinish))
}
