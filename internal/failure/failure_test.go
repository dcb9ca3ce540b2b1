package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"transport lost", TransportLost("search", io.EOF), ErrTransportLost, true},
		{"wrapped transport lost", fmt.Errorf("bind: %w", TransportLost("bind", io.EOF)), ErrTransportLost, true},
		{"format", ProtocolFormat("dispatch", "unknown id %d", 9), ErrProtocolFormat, true},
		{"precondition", Precondition("starttls", "busy"), ErrPrecondition, true},
		{"retries", RetriesExhausted("access-request", 3), ErrRetriesExhausted, true},
		{"upgrade", UpgradeRejected("starttls", "invalid response name", nil), ErrUpgradeRejected, true},
		{"shutdown", Shutdown("access-request"), ErrShutdown, true},
		{"kind mismatch", Shutdown("x"), ErrTransportLost, false},
		{"plain error", errors.New("nope"), ErrTransportLost, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := TransportLost("search", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestErrorString(t *testing.T) {
	err := &Error{
		Op:          "starttls",
		Kind:        KindPrecondition,
		Message:     "operations outstanding",
		Outstanding: []int64{3, 4},
	}
	assert.Equal(t, "starttls failed (precondition_violation) - operations outstanding - outstanding: [3 4]", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindRetriesExhausted, KindOf(fmt.Errorf("wrap: %w", RetriesExhausted("r", 2))))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(TransportLost("read", io.EOF)))
	assert.True(t, IsFatal(ProtocolFormat("read", "bad length")))
	assert.False(t, IsFatal(Precondition("send", "disconnected")))
	assert.False(t, IsFatal(UpgradeRejected("starttls", "no", nil)))
}
