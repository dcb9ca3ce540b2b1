package radius

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryScheduler(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		servers    int
		want       []int
	}{
		{"no retries", 0, 2, []int{0}},
		{"two retries over two servers", 2, 2, []int{0, 1, 0}},
		{"three retries over one server", 3, 1, []int{0, 0, 0, 0}},
		{"more servers than attempts", 1, 3, []int{0, 1}},
		{"zero servers treated as one", 1, 0, []int{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewRetryScheduler(tt.maxRetries, time.Second, tt.servers)

			var got []int
			for {
				idx, ok := s.Next()
				if !ok {
					break
				}
				got = append(got, idx)
			}

			assert.Equal(t, tt.want, got)
			assert.True(t, s.Exhausted())
			assert.Equal(t, tt.maxRetries+1, s.Attempts())

			_, ok := s.Next()
			assert.False(t, ok)
			assert.Equal(t, tt.maxRetries+1, s.Attempts())
		})
	}
}

func TestRetryScheduler_Wait(t *testing.T) {
	assert.Equal(t, 2*time.Second, NewRetryScheduler(3, 2*time.Second, 1).Wait())
}
