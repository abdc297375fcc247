package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
)

// Env keys written by {prefix}/profile/env.
const (
	EnvServiceUUID    = "SFP_SERVICE_UUID"
	EnvWriteCharUUID  = "SFP_WRITE_CHAR_UUID"
	EnvNotifyCharUUID = "SFP_NOTIFY_CHAR_UUID"
)

// ProfileEnv is the request body of {prefix}/profile/env.
type ProfileEnv struct {
	ServiceUUID    string `json:"service_uuid"`
	WriteCharUUID  string `json:"write_char_uuid"`
	NotifyCharUUID string `json:"notify_char_uuid"`
}

type envEntry struct {
	key, value string
}

func (p ProfileEnv) entries() []envEntry {
	return []envEntry{
		{EnvServiceUUID, strings.TrimSpace(p.ServiceUUID)},
		{EnvWriteCharUUID, strings.TrimSpace(p.WriteCharUUID)},
		{EnvNotifyCharUUID, strings.TrimSpace(p.NotifyCharUUID)},
	}
}

// validate reports missing keys first, then malformed UUIDs.
func (p ProfileEnv) validate() error {
	fields := []struct{ name, value string }{
		{"service_uuid", p.ServiceUUID},
		{"write_char_uuid", p.WriteCharUUID},
		{"notify_char_uuid", p.NotifyCharUUID},
	}

	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}

	for _, f := range fields {
		if _, err := device.ValidateUUID(strings.TrimSpace(f.value)); err != nil {
			return fmt.Errorf("%s: invalid UUID %q", f.name, f.value)
		}
	}
	return nil
}

// handleProfileEnv stores the discovered profile UUIDs in the configured env file.
func (s *Server) handleProfileEnv(c *gin.Context) {
	path := s.opts.ProfileEnvPath
	if path == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profile_env_path not configured"})
		return
	}

	var req ProfileEnv
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid JSON: %v", err)})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := updateEnvFile(path, req.entries()); err != nil {
		s.logger.WithFields(logrus.Fields{
			"path":  path,
			"error": err,
		}).Error("Failed to write env file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.WithField("path", path).Info("Profile UUIDs written to env file")
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"path": path,
		"note": "Restart the backend to apply",
	})
}

// updateEnvFile sets each key in the env file at path. The first KEY= line is
// replaced in place, absent keys are appended and every other line is kept.
// A missing file is created. The file is rewritten in place so bind-mounted
// files keep working.
func updateEnvFile(path string, entries []envEntry) error {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, e := range entries {
		lines = setEnvLine(lines, e.key, e.value)
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func setEnvLine(lines []string, key, value string) []string {
	prefix := key + "="
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			lines[i] = prefix + value
			return lines
		}
	}
	return append(lines, prefix+value)
}
