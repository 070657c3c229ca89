package config

import (
	"fmt"
	"os"
)

const starterYAML = `# pressroom configuration
log_level: info

queue:
  capacity: 256
  lease_seconds: 30

memory:
  capacity: 512
  ttl_seconds: 7200

pipeline:
  max_attempts: 3
  failure_threshold: 0.5
  merge_strategy: prefer
  # priorities:
  #   editor: 10
  #   writer: 5

# schedules:
#   - name: weekly-roundup
#     cron: "0 9 * * MON"
#     topic: "weekly industry roundup"

otel:
  enabled: false
  exporter: none
`

// WriteStarter writes a commented starter config.yaml. Refuses to overwrite
// an existing file.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config.yaml already exists at %s", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create pressroom home: %w", err)
	}
	return os.WriteFile(path, []byte(starterYAML), 0o644)
}
