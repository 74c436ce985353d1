package sandbox

import (
	"time"

	"github.com/dshills/hivedesk/internal/extension/manifest"
	"github.com/dshills/hivedesk/internal/extension/runtime"
)

// DeriveConfig builds the sandbox policy for one installation. Access
// booleans mirror granted permissions directly, never the manifest's
// declarations alone, and the manifest's limit hints may only tighten the
// default ceilings.
func DeriveConfig(inst *manifest.Installation, man *manifest.Manifest) runtime.SandboxConfig {
	cfg := runtime.DefaultSandboxConfig()

	cfg.AllowNetwork = inst.HasPermission(manifest.PermissionNetwork)
	cfg.AllowFilesystem = inst.HasPermission(manifest.PermissionFilesystem)
	cfg.AllowedDomains = man.LinkedDomains()

	if inst.Limits != nil {
		if inst.Limits.MemoryLimitBytes > 0 && inst.Limits.MemoryLimitBytes < cfg.MemoryLimit {
			cfg.MemoryLimit = inst.Limits.MemoryLimitBytes
		}
		if inst.Limits.TimeoutMillis > 0 {
			t := time.Duration(inst.Limits.TimeoutMillis) * time.Millisecond
			if t < cfg.Timeout {
				cfg.Timeout = t
			}
		}
		if inst.Limits.InstructionLimit > 0 && inst.Limits.InstructionLimit < cfg.InstructionLimit {
			cfg.InstructionLimit = inst.Limits.InstructionLimit
		}
	}

	return cfg
}
