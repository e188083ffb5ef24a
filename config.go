package jobstatus

// Store backends selectable through Config.Model.
const (
	ModelSQL    = "sql"
	ModelGorm   = "gorm"
	ModelMemory = "memory"
)

// Event manager strategies selectable through Config.EventManager.
const (
	StrategyDefault = "default"
	StrategyLegacy  = "legacy"
)

// Config holds the tracking options. It is passed explicitly to the
// Updater; nothing reads it from global state.
type Config struct {
	// Model selects the store implementation: sql, gorm or memory.
	Model string `yaml:"model"`

	// EventManager selects how queue lifecycle events map to field sets.
	EventManager string `yaml:"event_manager"`

	// DatabaseDriver is sqlite or postgres.
	DatabaseDriver string `yaml:"database_driver"`

	// DatabaseConnection is the DSN of the target store.
	DatabaseConnection string `yaml:"database_connection"`

	// TrackHistory enables the status history log.
	TrackHistory bool `yaml:"track_history"`

	// TrackInput and TrackOutput allow persisting payload snapshots, which
	// may be large or sensitive.
	TrackInput  bool `yaml:"track_input"`
	TrackOutput bool `yaml:"track_output"`
}

// DefaultConfig returns a Config with every tracking flag enabled.
func DefaultConfig() Config {
	return Config{
		Model:              ModelSQL,
		EventManager:       StrategyDefault,
		DatabaseDriver:     "sqlite",
		DatabaseConnection: "file:jobstatus.db",
		TrackHistory:       true,
		TrackInput:         true,
		TrackOutput:        true,
	}
}
