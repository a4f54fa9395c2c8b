package config

import (
	"fmt"
	"os"
)

func Template() string {
	return settingsTemplate
}

// WriteTemplate writes an annotated example settings file to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(settingsTemplate), 0o600)
}

const settingsTemplate = `# evhandl defaults; command line flags take precedence.
output_dir = "evhandlclient"

# Stop when the output reaches this size (1..10000).
max_file_size_mb = 10000

# Stop after this many minutes (1..60).
max_logging_minutes = 60

connect_timeout = "10s"
# Deadline for the connect and subscribe exchanges; "0s" disables it.
handshake_timeout = "10s"
report_interval = "1s"

# none | zstd | lz4
compress = "none"
log_level = "info"
`
