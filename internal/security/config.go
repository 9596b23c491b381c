package security

// SecurityConfig is the [security] section of the configuration file.
type SecurityConfig struct {
	Autonomy  AutonomyConfig  `toml:"autonomy" yaml:"autonomy"`
	Sandbox   SandboxConfig   `toml:"sandbox" yaml:"sandbox"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// AutonomyConfig controls autonomy level and access restrictions.
type AutonomyConfig struct {
	Level           string   `toml:"level" yaml:"level"` // "readonly", "supervised", "full"
	AllowedCommands []string `toml:"allowed_commands" yaml:"allowed_commands"`
	ForbiddenPaths  []string `toml:"forbidden_paths" yaml:"forbidden_paths"`
}

// SandboxConfig controls workspace sandboxing.
type SandboxConfig struct {
	WorkspacePath string `toml:"workspace_path" yaml:"workspace_path"`
	RelativeOnly  bool   `toml:"relative_only" yaml:"relative_only"`
}

// RateLimitConfig bounds how many acting tool calls an identity may make.
type RateLimitConfig struct {
	MaxActionsPerHour int `toml:"max_actions_per_hour" yaml:"max_actions_per_hour"`
	WindowSeconds     int `toml:"window_seconds" yaml:"window_seconds"`
}

// DefaultSecurityConfig returns a reasonable default configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Autonomy: AutonomyConfig{
			Level: string(AutonomySupervised),
			AllowedCommands: []string{
				"git", "npm", "cargo", "ls", "cat", "grep", "find", "head", "tail", "wc", "echo", "pwd",
			},
			ForbiddenPaths: []string{"~/.kube", "~/.docker"},
		},
		Sandbox: SandboxConfig{
			WorkspacePath: "workspace",
			RelativeOnly:  true,
		},
		RateLimit: RateLimitConfig{
			MaxActionsPerHour: 20,
			WindowSeconds:     3600,
		},
	}
}
