package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// domainUsersSID is S-1-5-21-1004336348-1177238915-682003330-513.
var domainUsersSID = []byte{
	0x01, 0x05,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x05,
	0x15, 0x00, 0x00, 0x00,
	0xdc, 0xf4, 0xdc, 0x3b,
	0x83, 0x3d, 0x2b, 0x46,
	0x82, 0x8b, 0xa6, 0x28,
	0x01, 0x02, 0x00, 0x00,
}

func TestConvertBinarySIDToString(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
		wantErr  bool
	}{
		{
			name:     "domain relative sid",
			input:    domainUsersSID,
			expected: "S-1-5-21-1004336348-1177238915-682003330-513",
		},
		{
			name:     "well-known everyone",
			input:    []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00},
			expected: "S-1-1-0",
		},
		{
			name:    "too short",
			input:   []byte{0x01, 0x05, 0x00},
			wantErr: true,
		},
		{
			name:    "sub-authority count mismatch",
			input:   domainUsersSID[:24],
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertBinarySIDToString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExtractSID(t *testing.T) {
	entry := &ldap.Entry{
		DN: "CN=Domain Users,CN=Users,DC=example,DC=com",
		Attributes: []*ldap.EntryAttribute{
			{Name: "objectSid", Values: []string{string(domainUsersSID)}, ByteValues: [][]byte{domainUsersSID}},
		},
	}

	sid, err := ExtractSID(entry)
	require.NoError(t, err)
	assert.Equal(t, "S-1-5-21-1004336348-1177238915-682003330-513", sid)

	_, err = ExtractSID(ldap.NewEntry("CN=x,DC=example,DC=com", nil))
	assert.Error(t, err)

	_, err = ExtractSID(nil)
	assert.Error(t, err)
}
