package ldap

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authrelay/internal/eventloop"
	"github.com/isometry/authrelay/internal/failure"
)

func TestOperationTable_SingleResponse(t *testing.T) {
	table := NewOperationTable(nil)
	completion := table.Register(7, false, nil)

	msg := &Message{ID: 7, Op: &BindResponse{Result: success()}}
	require.NoError(t, table.Dispatch(msg))

	resp, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, msg, resp.Message)
	assert.False(t, table.Has(7))
	assert.Zero(t, table.Len())
}

func TestOperationTable_IDIsolation(t *testing.T) {
	table := NewOperationTable(nil)
	first := table.Register(1, false, nil)
	second := table.Register(2, false, nil)

	require.NoError(t, table.Dispatch(&Message{ID: 2, Op: &BindResponse{Result: success()}}))

	assert.True(t, second.Settled())
	assert.False(t, first.Settled())
	assert.Equal(t, []int64{1}, table.Outstanding())
}

func TestOperationTable_Controls(t *testing.T) {
	control := ldap.NewControlPaging(100)

	tests := []struct {
		name         string
		wantControls bool
		want         int
	}{
		{"requested", true, 1},
		{"not requested", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewOperationTable(nil)
			completion := table.Register(3, tt.wantControls, nil)

			require.NoError(t, table.Dispatch(&Message{
				ID:       3,
				Op:       &SearchResultDone{Result: success()},
				Controls: []ldap.Control{control},
			}))

			resp, err := completion.Wait(context.Background())
			require.NoError(t, err)
			assert.Len(t, resp.Controls, tt.want)
		})
	}
}

func TestOperationTable_Streaming(t *testing.T) {
	table := NewOperationTable(nil)

	var calls int
	completion := table.Register(4, false, func(msg *Message, _ []ldap.Control) bool {
		calls++
		_, done := msg.Op.(*SearchResultDone)
		return done
	})

	entry := &SearchResultEntry{Entry: newEntry("CN=a,DC=example,DC=com", nil)}
	require.NoError(t, table.Dispatch(&Message{ID: 4, Op: entry}))
	require.NoError(t, table.Dispatch(&Message{ID: 4, Op: entry}))
	assert.False(t, completion.Settled())
	assert.True(t, table.Has(4))

	require.NoError(t, table.Dispatch(&Message{ID: 4, Op: &SearchResultDone{Result: success()}}))
	assert.Equal(t, 3, calls)
	assert.True(t, completion.Settled())
	assert.False(t, table.Has(4))

	err := table.Dispatch(&Message{ID: 4, Op: entry})
	assert.Equal(t, failure.KindProtocolFormat, failure.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestOperationTable_UnknownID(t *testing.T) {
	table := NewOperationTable(nil)

	err := table.Dispatch(&Message{ID: 99, Op: &BindResponse{Result: success()}})
	require.Error(t, err)
	assert.Equal(t, failure.KindProtocolFormat, failure.KindOf(err))
}

func TestOperationTable_Unsolicited(t *testing.T) {
	var got *Message
	table := NewOperationTable(func(msg *Message) { got = msg })
	table.Register(1, false, nil)

	notice := &Message{ID: 0, Op: &ExtendedResponse{
		Result: Result{Code: ldap.LDAPResultUnavailable},
		Name:   NoticeOfDisconnectionOID,
	}}
	require.NoError(t, table.Dispatch(notice))

	assert.Same(t, notice, got)
	assert.True(t, table.Has(1))
}

func TestOperationTable_FailAll(t *testing.T) {
	table := NewOperationTable(nil)
	futures := make(map[int64]*eventloop.Future[*Response])
	for _, id := range []int64{5, 2, 9} {
		futures[id] = table.Register(id, false, nil)
	}

	assert.Equal(t, 3, table.FailAll(io.ErrUnexpectedEOF))
	assert.Zero(t, table.Len())

	for id, f := range futures {
		_, err := f.Wait(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrTransportLost), "id %d: %v", id, err)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	}

	assert.Zero(t, table.FailAll(io.ErrUnexpectedEOF))
}

func TestOperationTable_Remove(t *testing.T) {
	table := NewOperationTable(nil)
	completion := table.Register(6, false, nil)

	cause := errors.New("abandoned")
	assert.True(t, table.Remove(6, cause))
	assert.False(t, table.Remove(6, cause))

	_, err := completion.Wait(context.Background())
	assert.ErrorIs(t, err, cause)
}

func TestOperationTable_RegisterPanics(t *testing.T) {
	table := NewOperationTable(nil)
	table.Register(1, false, nil)

	assert.Panics(t, func() { table.Register(1, false, nil) })
	assert.Panics(t, func() { table.Register(0, false, nil) })
}
