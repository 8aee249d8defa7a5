package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/errs"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNew, StatusLaunched, true},
		{StatusNew, StatusFinished, true},
		{StatusLaunched, StatusFinished, true},
		{StatusNew, StatusNew, true},
		{StatusLaunched, StatusLaunched, true},
		{StatusFinished, StatusFinished, true},
		{StatusLaunched, StatusNew, false},
		{StatusFinished, StatusNew, false},
		{StatusFinished, StatusLaunched, false},
		{Status("paused"), StatusLaunched, false},
		{Status("paused"), Status("paused"), false},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, errs.ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusNew.Dispatchable())
	assert.True(t, StatusLaunched.Dispatchable())
	assert.False(t, StatusFinished.Dispatchable())
	assert.True(t, StatusFinished.Terminal())
	assert.ElementsMatch(t, []Status{StatusNew, StatusLaunched}, DispatchableStatuses())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := ParseStatus(" Launched ")
	require.NoError(t, err)
	assert.Equal(t, StatusLaunched, s)

	_, err = ParseStatus("archived")
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Message{Title: "Weekly digest"}.Validate())
	assert.ErrorIs(t, Message{Title: "  "}.Validate(), errs.ErrInvalidParameter)

	long := ""
	for i := 0; i < MaxTitleLen+1; i++ {
		long += "я"
	}
	assert.ErrorIs(t, Message{Title: long}.Validate(), errs.ErrInvalidParameter)
	assert.NoError(t, Message{Title: long[:len(long)-len("я")]}.Validate())
}

func TestClientValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Client{Email: "a@x.com"}.Validate())
	assert.ErrorIs(t, Client{}.Validate(), errs.ErrInvalidParameter)
	assert.ErrorIs(t, Client{Email: "not-an-email"}.Validate(), errs.ErrInvalidParameter)
}
