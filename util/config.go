package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host               string
		HttpPort           int    `yaml:"httpPort"`
		SslDomain          string `yaml:"sslDomain"`
		ActorCacheTtlHours int    `yaml:"actorCacheTtlHours"`
		DeliveryWorkers    int    `yaml:"deliveryWorkers"`
		DeliveryBatch      int    `yaml:"deliveryBatch"`
		BreakerThreshold   int    `yaml:"breakerThreshold"`
		BreakerCooldownMin int    `yaml:"breakerCooldownMin"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("MAMMUT_HOST")
	envHttpPort := os.Getenv("MAMMUT_HTTPPORT")
	envSslDomain := os.Getenv("MAMMUT_SSLDOMAIN")
	envCacheTtl := os.Getenv("MAMMUT_ACTOR_CACHE_TTL_HOURS")
	envWorkers := os.Getenv("MAMMUT_DELIVERY_WORKERS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envCacheTtl != "" {
		v, err := strconv.Atoi(envCacheTtl)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.ActorCacheTtlHours = v
	}

	if envWorkers != "" {
		v, err := strconv.Atoi(envWorkers)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.DeliveryWorkers = v
	}

	applyDefaults(c)

	return c, nil
}

// applyDefaults fills zero-valued tuning knobs so a sparse config file still works
func applyDefaults(c *AppConfig) {
	if c.Conf.ActorCacheTtlHours <= 0 {
		c.Conf.ActorCacheTtlHours = 24
	}
	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 8
	}
	if c.Conf.DeliveryBatch <= 0 {
		c.Conf.DeliveryBatch = 50
	}
	if c.Conf.BreakerThreshold <= 0 {
		c.Conf.BreakerThreshold = 5
	}
	if c.Conf.BreakerCooldownMin <= 0 {
		c.Conf.BreakerCooldownMin = 10
	}
}
