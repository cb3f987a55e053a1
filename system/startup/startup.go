package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultUnitPath = "/etc/systemd/system/sprinkler-bridge.service"

// Service describes how systemd should run the bridge.
type Service struct {
	User       string
	WorkingDir string
	Binary     string
	ConfigFile string
	LogLevel   string
	After      []string
}

func (s Service) validate() error {
	var problems []string
	if s.User == "" {
		problems = append(problems, "user is required")
	}
	if !filepath.IsAbs(s.WorkingDir) {
		problems = append(problems, "working directory must be absolute")
	}
	if !filepath.IsAbs(s.Binary) {
		problems = append(problems, "binary must be an absolute path")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid service: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RenderServiceUnit returns the systemd unit for the bridge.
func RenderServiceUnit(s Service) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	after := append([]string{"network-online.target"}, s.After...)
	execStart := s.Binary
	if s.ConfigFile != "" {
		execStart += " -config-file " + s.ConfigFile
	}
	if s.LogLevel != "" {
		execStart += " -log-level " + s.LogLevel
	}

	return fmt.Sprintf(`[Unit]
Description=OpenSprinkler accessory bridge
After=%s
Wants=network-online.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, strings.Join(after, " "), s.User, s.WorkingDir, execStart), nil
}

// InstallService writes the unit to unitPath. Enabling it is left to
// systemctl.
func InstallService(s Service, unitPath string) error {
	unit, err := RenderServiceUnit(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	return os.WriteFile(unitPath, []byte(unit), 0o644)
}
