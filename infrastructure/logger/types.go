package logger

// Encoders accepted by Config.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// DefaultLevel applies when Config.Level is empty.
const DefaultLevel = "info"

// Config selects the level, encoder and sinks New builds with.
type Config struct {
	Level       string   `env:"LOG_LEVEL"  yaml:"level"`
	Format      string   `env:"LOG_FORMAT" yaml:"format"`
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

// SetDefaults logs JSON at info level to stdout unless told otherwise.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = DefaultLevel
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}
