package config

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRadius() Section {
	return Section{
		"host":   "10.0.0.1",
		"secret": "s3cret",
	}
}

func TestDecodeRadius_Defaults(t *testing.T) {
	cfg, err := DecodeRadius("radius_client", validRadius())
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:1812"}, cfg.Hosts)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 2*time.Second, cfg.RetryWait)
	assert.Equal(t, "utf-8", cfg.PwCodec)

	client := cfg.ClientConfig()
	assert.Equal(t, "s3cret", client.Secret)
	assert.Nil(t, client.NASIP)
	assert.Equal(t, []string{"10.0.0.1:1812"}, client.Hosts)
}

func TestDecodeRadius_FullSection(t *testing.T) {
	s := Section{
		"host":                    "10.0.0.1",
		"port":                    "1645",
		"host_2":                  "radius2.example.com",
		"host_3":                  "10.0.0.3",
		"port_3":                  "18120",
		"secret":                  "s3cret",
		"retries":                 "5",
		"retry_wait":              "1",
		"nas_ip":                  "192.0.2.7",
		"pass_through_attr_names": "Class, filter-id",
		"pass_through_all":        "no",
		"message_authenticator":   "yes",
		"pw_codec":                "windows-1252",
		"debug":                   "true",
	}

	cfg, err := DecodeRadius("radius_client", s)
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:1645", "radius2.example.com:1812", "10.0.0.3:18120"}, cfg.Hosts)

	client := cfg.ClientConfig()
	assert.Equal(t, 5, client.Retries)
	assert.Equal(t, time.Second, client.RetryWait)
	assert.True(t, client.NASIP.Equal(net.ParseIP("192.0.2.7")))
	assert.Equal(t, []string{"Class", "filter-id"}, client.PassThroughAttrNames)
	assert.False(t, client.PassThroughAll)
	assert.True(t, client.MessageAuthenticator)
	assert.Equal(t, "windows-1252", client.PwCodec)
	assert.True(t, client.Debug)
}

func TestDecodeRadius_Problems(t *testing.T) {
	tests := []struct {
		name   string
		modify func(Section)
		want   map[string]ProblemKind
	}{
		{"missing host", func(s Section) { delete(s, "host") }, map[string]ProblemKind{"host": MissingKey}},
		{"missing secret", func(s Section) { delete(s, "secret") }, map[string]ProblemKind{"secret": MissingKey}},
		{"port without host", func(s Section) { s["port_2"] = "1812" }, map[string]ProblemKind{"host_2": MissingKey}},
		{"bad port", func(s Section) { s["port"] = "radius" }, map[string]ProblemKind{"port": InvalidValue}},
		{"bad host", func(s Section) { s["host"] = "not a host!" }, map[string]ProblemKind{"host": InvalidValue}},
		{"zero retries", func(s Section) { s["retries"] = "0" }, map[string]ProblemKind{"retries": InvalidValue}},
		{"bad nas ip", func(s Section) { s["nas_ip"] = "10.0.0" }, map[string]ProblemKind{"nas_ip": InvalidValue}},
		{"bad codec", func(s Section) { s["pw_codec"] = "rot13" }, map[string]ProblemKind{"pw_codec": InvalidValue}},
		{"unknown attribute", func(s Section) { s["pass_through_attr_names"] = "Class,Frobnicate" }, map[string]ProblemKind{"pass_through_attr_names": InvalidValue}},
		{"unexpected key", func(s Section) { s["ikey"] = "DIXXXXXXXXXXXXXXXXXX" }, map[string]ProblemKind{"ikey": UnexpectedKey}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validRadius()
			tt.modify(s)

			_, err := DecodeRadius("radius_client", s)
			require.Error(t, err)
			assert.Equal(t, tt.want, problemSet(err))
		})
	}
}
