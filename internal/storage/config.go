package storage

import "os"

// Mode selects the store backend
type Mode string

const (
	ModeMemory      Mode = "memory"
	ModeSQLite      Mode = "sqlite"
	ModeDynamoLocal Mode = "dynamo-local"
	ModeDynamoAWS   Mode = "dynamo-aws"
)

// Config holds the store selection and backend settings
type Config struct {
	Mode       Mode
	SQLitePath string
	Dynamo     DynamoConfig
}

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Endpoint     string // for local mode
	Region       string
	Local        bool
	EntriesTable string
	RulesTable   string
	AgentsTable  string
	IntentsTable string
}

// LoadConfig loads store config from environment
func LoadConfig() Config {
	mode := Mode(getEnv("STORE_MODE", string(ModeMemory)))
	switch mode {
	case ModeSQLite, ModeDynamoLocal, ModeDynamoAWS:
	default:
		mode = ModeMemory
	}

	return Config{
		Mode:       mode,
		SQLitePath: getEnv("SQLITE_PATH", "data/queue.db"),
		Dynamo: DynamoConfig{
			Endpoint:     getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
			Region:       getEnv("DYNAMO_REGION", "eu-central-1"),
			Local:        mode == ModeDynamoLocal,
			EntriesTable: getEnv("DYNAMO_ENTRIES_TABLE", "queue-entries"),
			RulesTable:   getEnv("DYNAMO_RULES_TABLE", "queue-rules"),
			AgentsTable:  getEnv("DYNAMO_AGENTS_TABLE", "agent-availability"),
			IntentsTable: getEnv("DYNAMO_INTENTS_TABLE", "notification-intents"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
