package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchDrainsWorkList(t *testing.T) {
	d := New(nil)
	var order []string

	d.Register(HandleMessage, func(c Command) ([]Command, error) {
		order = append(order, "HandleMessage")
		return []Command{{Kind: ValidateMsg}, {Kind: SendMsg}}, nil
	})
	d.Register(ValidateMsg, func(c Command) ([]Command, error) {
		order = append(order, "ValidateMsg")
		return nil, nil
	})
	d.Register(SendMsg, func(c Command) ([]Command, error) {
		order = append(order, "SendMsg")
		return nil, nil
	})

	require.NoError(t, d.Dispatch(Command{Kind: HandleMessage}))
	require.Equal(t, []string{"HandleMessage", "ValidateMsg", "SendMsg"}, order)
}

func TestDispatchCollectsHandlerErrors(t *testing.T) {
	d := New(nil)
	d.Register(HandleAgreement, func(c Command) ([]Command, error) {
		return nil, errors.New("boom")
	})

	err := d.Dispatch(Command{Kind: HandleAgreement})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestDispatchReportsMissingHandler(t *testing.T) {
	d := New(nil)
	err := d.Dispatch(Command{Kind: TrackNodeIssue})
	require.Error(t, err)
}
