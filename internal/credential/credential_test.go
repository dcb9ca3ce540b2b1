package credential

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD4(t *testing.T) {
	// RFC 1320 test suite.
	tests := map[string]string{
		"":               "31d6cfe0d16ae931b73c59d7e0c089c0",
		"a":              "bde52cb31de33e46245e05fbdbd6fb24",
		"abc":            "a448017aaf21d8525fc10ae87aa6729d",
		"message digest": "d9130a8164549fe818874806e1c7014b",
	}

	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			sum := MD4([]byte(input))
			assert.Equal(t, want, hex.EncodeToString(sum[:]))
		})
	}
}

func TestNTHashHex(t *testing.T) {
	tests := []struct {
		password string
		want     string
	}{
		{"", "31d6cfe0d16ae931b73c59d7e0c089c0"},
		{"password", "8846f7eaee8fb117ad06bdd830b7586c"},
		{"Password", "a4f49c406510bdcab6824ee7c30fd852"},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			got, err := NTHashHex(tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNTHash(t *testing.T) {
	sum, err := ParseNTHash(" 8846F7EAEE8FB117AD06BDD830B7586C ")
	require.NoError(t, err)

	want, err := NTHash("password")
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	_, err = ParseNTHash("8846f7ea")
	assert.ErrorContains(t, err, "want 16 bytes")

	_, err = ParseNTHash("zz46f7eaee8fb117ad06bdd830b7586c")
	assert.ErrorContains(t, err, "invalid NT hash")
}
