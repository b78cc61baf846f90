package config

// Config is the top-level configuration structure parsed from boardflow YAML.
type Config struct {
	Poll     Poll     `yaml:"poll"`
	Retry    Retry    `yaml:"retry"`
	Store    Store    `yaml:"store"`
	Detector Detector `yaml:"detector"`
	Board    Board    `yaml:"board"`
	Agent    Agent    `yaml:"agent"`
	Database Database `yaml:"database"`
	Server   Server   `yaml:"server"`
}

// Poll controls the scheduler cadence. Durations are Go duration strings.
type Poll struct {
	Interval       string `yaml:"interval"`
	Jitter         string `yaml:"jitter"`
	Workers        int    `yaml:"workers"`
	EvalTimeout    string `yaml:"eval_timeout"`
	RateLimitFloor int    `yaml:"rate_limit_floor"`
}

// Retry controls failure handling: the in-call side-effect backoff schedule
// (comma-separated durations, one per attempt) and the detection-failure
// cooldown applied between polling rounds.
type Retry struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	Backoff      string `yaml:"backoff"`
	CooldownBase string `yaml:"cooldown_base"`
	CooldownMax  string `yaml:"cooldown_max"`
}

// Store bounds the in-memory tracking store.
type Store struct {
	MaxSize      int    `yaml:"max_size"`
	Retention    string `yaml:"retention"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// Detector caps paginated GitHub scans.
type Detector struct {
	MaxPages int `yaml:"max_pages"`
}

// Board maps pipeline stages to GitHub status labels. StatusPrefix namespaces
// the labels the service owns; Statuses overrides individual stage labels.
type Board struct {
	StatusPrefix string            `yaml:"status_prefix"`
	Statuses     map[string]string `yaml:"statuses"`
}

// Agent identifies the coding agent assigned to issues and the login asked
// for code review when work completes.
type Agent struct {
	Login    string `yaml:"login"`
	Reviewer string `yaml:"reviewer"`
}

// Database configures the optional Postgres event log. An empty DSN disables
// persistence.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}
