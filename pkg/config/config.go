package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Doc is the dashboard-level configuration persisted via admin,
// merged over environment defaults at boot.
type Doc struct {
	PayToAddress   string            `json:"pay_to_address"`
	Network        string            `json:"network"`
	APIKey         string            `json:"api_key,omitempty"`
	AgentBlocklist []string          `json:"agent_blocklist"`
	RouteGroups    map[string]string `json:"route_groups,omitempty"`
}

// Merge overlays non-empty fields of other onto d.
func (d Doc) Merge(other Doc) Doc {
	if strings.TrimSpace(other.PayToAddress) != "" {
		d.PayToAddress = other.PayToAddress
	}
	if strings.TrimSpace(other.Network) != "" {
		d.Network = other.Network
	}
	if other.APIKey != "" {
		d.APIKey = other.APIKey
	}
	if other.AgentBlocklist != nil {
		d.AgentBlocklist = other.AgentBlocklist
	}
	if other.RouteGroups != nil {
		d.RouteGroups = other.RouteGroups
	}
	return d
}

// LoadDoc reads the config file and merges it over defaults. A missing
// file yields the defaults unchanged.
func LoadDoc(path string, defaults Doc) (Doc, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("read config file: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return defaults, fmt.Errorf("parse config file: %w", err)
	}
	return defaults.Merge(doc), nil
}

// SaveDoc persists the config atomically (write-temp + rename).
func SaveDoc(path string, doc Doc) error {
	if doc.AgentBlocklist == nil {
		doc.AgentBlocklist = []string{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// Env helpers shared by the gateway bootstrap.

func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func EnvDurationMS(key string, defMS int) time.Duration {
	return time.Duration(EnvInt(key, defMS)) * time.Millisecond
}
