package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const moduleName = "config"

var durationType = reflect.TypeOf(time.Duration(0))

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	EnvFilePath    string `name:"envFilePath" optional:"true"`
}

// LoadConfig builds the configuration in four layers: defaults from NewConfig, the .env
// file, the embedded YAML, and finally environment variables named after the yaml tags
// (e.g. LOGSTATS_REMOTE_API_KEY).
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not found or could not be loaded: %v", err)
	}

	cfg := NewConfig()

	var yamlConfig Config
	if err := yaml.Unmarshal(embeddedConfig, &yamlConfig); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to unmarshal embedded config", err, false)
	}
	mergeValue(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(&yamlConfig).Elem())

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to load config from environment variables", err, false)
	}
	cfg.EmbeddedConfig = embeddedConfig

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfigProvider is the fx constructor for *Config. It also applies the configured
// log level.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := LoadConfig(params.EnvFilePath, params.EmbeddedConfig)
	if err != nil {
		return nil, err
	}
	logger.SetLogLevel(cfg.Logstats.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Logstats.System.Logging.Level)
	return cfg, nil
}

// Validate checks values that have no usable zero value.
func (c *Config) Validate() error {
	for name, ds := range c.Logstats.Cache.Datasets {
		switch strings.ToUpper(ds.Mode) {
		case "", WriteModeAppend:
		case WriteModeReplaceAll:
			if ds.FileName == "" {
				return exception.NewBatchErrorf(moduleName, "dataset '%s' uses %s but has no file_name", name, WriteModeReplaceAll)
			}
		default:
			return exception.NewBatchErrorf(moduleName, "dataset '%s' has unknown mode '%s'", name, ds.Mode)
		}
	}
	if c.Logstats.Cache.RowGroupSize <= 0 {
		return exception.NewBatchErrorf(moduleName, "cache.row_group_size must be positive, got %d", c.Logstats.Cache.RowGroupSize)
	}
	return nil
}

// DecodeAdapter decodes the raw adapter section called name into out using the yaml tags
// of out. It reports false if no such section exists.
func (c *Config) DecodeAdapter(name string, out interface{}) (bool, error) {
	raw, ok := c.Logstats.Adapters[name]
	if !ok || raw == nil {
		return false, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return false, exception.NewBatchError(moduleName, "failed to create adapter decoder", err, false)
	}
	if err := decoder.Decode(raw); err != nil {
		return false, exception.NewBatchErrorf(moduleName, "failed to decode adapter '%s'", name, err)
	}
	return true, nil
}

// mergeValue copies every non-zero value of src over dest, recursing into structs and
// merging maps key by key.
func mergeValue(dest, src reflect.Value) {
	switch src.Kind() {
	case reflect.Struct:
		for i := 0; i < src.NumField(); i++ {
			if !dest.Field(i).CanSet() {
				continue
			}
			mergeValue(dest.Field(i), src.Field(i))
		}
	case reflect.Map:
		if src.IsNil() {
			return
		}
		if dest.IsNil() {
			dest.Set(reflect.MakeMap(src.Type()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dest.SetMapIndex(iter.Key(), iter.Value())
		}
	case reflect.Slice:
		if !src.IsNil() {
			dest.Set(src)
		}
	default:
		if !src.IsZero() {
			dest.Set(src)
		}
	}
}

// loadStructFromEnv recursively overrides struct fields from environment variables whose
// names are the upper-cased yaml tag path joined with "_".
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Struct {
			if err := loadMapOfStructsFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadMapOfStructsFromEnv fills map[string]struct fields from variables such as
// LOGSTATS_CACHE_DATASETS_FIGHTS_ROOT_PATH, where "FIGHTS" is the map key.
func loadMapOfStructsFromEnv(mapField reflect.Value, prefix string) error {
	if mapField.IsNil() {
		mapField.Set(reflect.MakeMap(mapField.Type()))
	}
	elemType := mapField.Type().Elem()

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyAndField := strings.SplitN(parts[0], "_", 2)
		if len(keyAndField) != 2 {
			continue
		}
		mapKey := reflect.ValueOf(strings.ToLower(keyAndField[0]))

		structVal := reflect.New(elemType).Elem()
		if existing := mapField.MapIndex(mapKey); existing.IsValid() {
			structVal.Set(existing)
		}
		if err := setStructFieldFromEnv(structVal, keyAndField[1], parts[1]); err != nil {
			return err
		}
		mapField.SetMapIndex(mapKey, structVal)
	}
	return nil
}

func setStructFieldFromEnv(structVal reflect.Value, fieldName string, value string) error {
	typ := structVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		yamlTag := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
		if yamlTag != "" && strings.EqualFold(yamlTag, fieldName) {
			return setField(structVal.Field(i), value)
		}
	}
	return nil
}

// setField converts value to field's type. Durations use time.ParseDuration and slices
// are comma-separated.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	case reflect.Slice:
		items := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			if err := setField(slice.Index(i), strings.TrimSpace(item)); err != nil {
				return err
			}
		}
		field.Set(slice)
	}
	return nil
}
