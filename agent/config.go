package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds the agent configuration and identity.
type Config struct {
	AgentID           string
	AgentName         string
	ServerURL         string
	AuthToken         string
	HeartbeatInterval time.Duration
	Capabilities      []string
}

// LoadConfig initializes the agent configuration from the environment. The
// agent ID persists across restarts in ~/.warden/agent_id so a restarted
// process resumes its identity.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	agentID := os.Getenv("WARDEN_AGENT_ID")
	if agentID == "" {
		var err error
		agentID, err = getOrCreateAgentID()
		if err != nil {
			return nil, err
		}
	}

	name := os.Getenv("WARDEN_AGENT_NAME")
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		name = hostname
	}

	interval := 30 * time.Second
	if v := os.Getenv("WARDEN_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid WARDEN_HEARTBEAT_INTERVAL %q", v)
		}
		interval = d
	}

	var capabilities []string
	if v := os.Getenv("WARDEN_AGENT_CAPABILITIES"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				capabilities = append(capabilities, c)
			}
		}
	}

	serverURL := os.Getenv("WARDEN_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	return &Config{
		AgentID:           agentID,
		AgentName:         name,
		ServerURL:         strings.TrimRight(serverURL, "/"),
		AuthToken:         os.Getenv("WARDEN_AUTH_TOKEN"),
		HeartbeatInterval: interval,
		Capabilities:      capabilities,
	}, nil
}

// getOrCreateAgentID retrieves the persisted agent ID or generates a new one.
func getOrCreateAgentID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".warden")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", configDir, err)
	}
	idPath := filepath.Join(configDir, "agent_id")

	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	newID := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(newID), 0o600); err != nil {
		return "", fmt.Errorf("persist agent ID to %s: %w", idPath, err)
	}
	return newID, nil
}
