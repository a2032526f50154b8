package common

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "CONFIG_PATH"
	configJSONEnv = "CONFIG_JSON"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigManager layers configuration sources: embedded defaults, then an
// optional file pointed at by CONFIG_PATH, then inline JSON from
// CONFIG_JSON. Structs are unmarshaled via `key:` tags.
type ConfigManager[T any] struct {
	k      *koanf.Koanf
	config T
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		parser := parserForPath(path)
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if raw := os.Getenv(configJSONEnv); raw != "" {
		if err := k.Load(rawbytes.Provider([]byte(raw)), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("load inline config: %w", err)
		}
	}

	cm := &ConfigManager[T]{k: k}
	if err := cm.unmarshal(); err != nil {
		return nil, err
	}

	return cm, nil
}

func parserForPath(path string) koanf.Parser {
	if filepath.Ext(path) == ".json" {
		return kjson.Parser()
	}
	return kyaml.Parser()
}

func (cm *ConfigManager[T]) unmarshal() error {
	var cfg T
	err := cm.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName: "key",
			Result:  &cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	cm.config = cfg
	return nil
}

// GetConfig returns the resolved configuration
func (cm *ConfigManager[T]) GetConfig() T {
	return cm.config
}
