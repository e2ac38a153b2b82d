package internal

const (
	DotEnvPath       = "./.env"
	MigrationsDir    = "migrations"
	APIKeyHeader     = "X-HookCI-Key"
	SandboxLabel     = "hookci.job"
	MaxWebhookBody   = 5 << 20
	QueueDirName     = "specs/queue"
	ArchiveDirName   = "specs/archive"
	ResultsDirName   = "results"
	LogsDirName      = "logs"
	SandboxesDirName = "sandboxes"
)
