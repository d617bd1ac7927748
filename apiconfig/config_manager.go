package apiconfig

import (
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type ConfigManager struct {
	currentConfig Config
	KoanProvider  koanf.Provider
	mutex         sync.Mutex
}

// LoadDefaultConfigManager reads the YAML file named by ORACLE_CONFIG_PATH
// (if present) and applies environment overrides on top of built-in defaults.
func LoadDefaultConfigManager() (*ConfigManager, error) {
	manager := ConfigManager{
		KoanProvider: getFileProvider(),
	}
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return &manager, nil
}

func (cm *ConfigManager) Load() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	config, err := readConfig(cm.KoanProvider)
	if err != nil {
		return err
	}
	cm.currentConfig = config
	return nil
}

func (cm *ConfigManager) GetConfig() *Config {
	return &cm.currentConfig
}

func getFileProvider() koanf.Provider {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		return nil
	}
	return file.Provider(configPath)
}

func getConfigPath() string {
	configPath := os.Getenv("ORACLE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	return configPath
}

func readConfig(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, err
		}
	}
	err := k.Load(env.Provider("ORACLE__", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ORACLE__")), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, err
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, err
	}
	if err := flatEnvOverrides(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}
