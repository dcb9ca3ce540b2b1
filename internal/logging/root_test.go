package logging

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSubsystems(t *testing.T) {
	var buf bytes.Buffer
	ctx := RegisterSubsystems(tflogtest.RootLogger(t.Context(), &buf))

	for _, subsystem := range []string{SubsystemLDAP, SubsystemRADIUS, SubsystemConfig, SubsystemProbe} {
		NewTFLogger(ctx, subsystem).Info("hello", map[string]any{"password": "hunter2"})
	}

	entries := decode(t, &buf)
	require.Len(t, entries, 4)

	var modules []string
	for _, entry := range entries {
		modules = append(modules, entry["@module"].(string))
		assert.Equal(t, "***", entry["password"])
	}
	assert.Equal(t, []string{"provider.ldap", "provider.radius", "provider.config", "provider.probe"}, modules)
}

func TestNewRoot(t *testing.T) {
	t.Setenv(EnvPrefix, "")

	ctx := NewRoot(t.Context(), hclog.Warn)
	assert.NotPanics(t, func() {
		NewTFLogger(ctx, SubsystemProbe).Trace("below the root level", nil)
	})
}
