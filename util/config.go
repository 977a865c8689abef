package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "fedtube"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
	}
	Database struct {
		Path         string
		MaxTxRetries int `yaml:"maxTxRetries"`
	}
	Federation struct {
		AutoAcceptFollowers  bool          `yaml:"autoAcceptFollowers"`
		RedundancyEnabled    bool          `yaml:"redundancyEnabled"`
		QueueCapacity        int           `yaml:"queueCapacity"`
		InboxRateLimit       float64       `yaml:"inboxRateLimit"`
		InboxBurst           int           `yaml:"inboxBurst"`
		MaxBodyBytes         int64         `yaml:"maxBodyBytes"`
		ActorCacheSize       int           `yaml:"actorCacheSize"`
		ActorRefreshInterval time.Duration `yaml:"actorRefreshInterval"`
		ReconcileInterval    time.Duration `yaml:"reconcileInterval"`
		DeliveryInterval     time.Duration `yaml:"deliveryInterval"`
	}
	Log struct {
		Level  string
		Format string
	}
	Admin struct {
		JwtSecret string `yaml:"jwtSecret"`
	}
}

func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			}
		}
	}

	return ParseConf(buf)
}

const (
	defaultActorRefreshInterval = 24 * time.Hour
	defaultReconcileInterval    = 10 * time.Minute
	defaultDeliveryInterval     = 10 * time.Second
)

// ParseConf decodes buf on top of the embedded defaults and applies
// FEDTUBE_* environment overrides.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if v := os.Getenv("FEDTUBE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDTUBE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FEDTUBE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("FEDTUBE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDTUBE_DATABASE"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("FEDTUBE_AUTO_ACCEPT"); v != "" {
		c.Federation.AutoAcceptFollowers = v == "true"
	}
	if v := os.Getenv("FEDTUBE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FEDTUBE_JWT_SECRET"); v != "" {
		c.Admin.JwtSecret = v
	}

	if c.Database.MaxTxRetries < 1 {
		c.Database.MaxTxRetries = 1
	}
	if c.Federation.ActorRefreshInterval <= 0 {
		c.Federation.ActorRefreshInterval = defaultActorRefreshInterval
	}
	if c.Federation.ReconcileInterval <= 0 {
		c.Federation.ReconcileInterval = defaultReconcileInterval
	}
	if c.Federation.DeliveryInterval <= 0 {
		c.Federation.DeliveryInterval = defaultDeliveryInterval
	}

	return c, nil
}
