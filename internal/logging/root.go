package logging

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// RootName is the name of the root logger; subsystem output is named
// authrelay.<subsystem>.
const RootName = "authrelay"

// NewRoot installs a JSON root logger writing to stderr and registers every
// subsystem on the returned context. AUTHRELAY_LOG, when set, overrides level.
func NewRoot(ctx context.Context, level hclog.Level) context.Context {
	opts := tfsdklog.Options{
		tfsdklog.WithLogName(RootName),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
	}
	if os.Getenv(EnvPrefix) != "" {
		opts = append(opts, tfsdklog.WithLevelFromEnv(EnvPrefix))
	}

	return RegisterSubsystems(tfsdklog.NewRootProviderLogger(ctx, opts...))
}

// RegisterSubsystems registers the ldap, radius, config and probe subsystems
// on a context that already carries a root logger.
func RegisterSubsystems(ctx context.Context) context.Context {
	for _, subsystem := range []string{SubsystemLDAP, SubsystemRADIUS, SubsystemConfig, SubsystemProbe} {
		ctx = NewSubsystem(ctx, subsystem)
	}
	return ctx
}
