package settings

import (
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:            getEnvOrDefault("HOOKCI_PORT", ":8021"),
		DatabaseDriver:  getEnvOrDefault("HOOKCI_DB_DRIVER", "sqlite"),
		SQLiteDatabase:  getEnvOrDefault("HOOKCI_DB_PATH", "file:./hookci.sqlite"),
		PostgresDSN:     getEnvOrDefault("HOOKCI_DB_DSN", ""),
		ConfigPath:      getEnvOrDefault("HOOKCI_CONFIG", "hookci.yml"),
		GitHubSecret:    getEnvOrDefault("HOOKCI_GITHUB_SECRET", ""),
		BitbucketSecret: getEnvOrDefault("HOOKCI_BITBUCKET_SECRET", ""),
		TriggerID:       getEnvOrDefault("HOOKCI_TRIGGER_ID", ""),
		LogLevel:        getEnvOrDefault("HOOKCI_LOG_LEVEL", "info"),
		LogFormat:       getEnvOrDefault("HOOKCI_LOG_FORMAT", ""),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	Port            string
	DatabaseDriver  string
	SQLiteDatabase  string
	PostgresDSN     string
	ConfigPath      string
	GitHubSecret    string
	BitbucketSecret string
	TriggerID       string
	LogLevel        string
	LogFormat       string
}

// DataSource returns the driver name and DSN for database/sql.
func (as *AppSettings) DataSource(readonly bool) (string, string) {
	if as.DatabaseDriver == "pgx" || as.DatabaseDriver == "postgres" {
		return "pgx", as.PostgresDSN
	}
	return "sqlite", as.SQLiteDbString(readonly)
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_time_format", "sqlite")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func ReadDotenv(path string) error {
	if exists, _ := pathExists(path); !exists {
		return nil
	}
	return godotenv.Load(path)
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	return false, err
}
