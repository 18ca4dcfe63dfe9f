package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"github.com/nvrflow/nvrcore/internal/config"
	"github.com/nvrflow/nvrcore/pkg/bytesize"
	"github.com/nvrflow/nvrcore/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for managing nvrcore configuration.",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect this output to a file to create a configuration template:

  nvrcore config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, /etc/nvrcore/config.yaml, $HOME/.nvrcore/config.yaml)
  - Environment variables (NVR_STORAGE_BASE_DIR, NVR_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the NVR_ prefix and underscores for nesting.
Example: storage.base_dir -> NVR_STORAGE_BASE_DIR`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, formatting durations and byte
// sizes for human readability instead of dumping raw nanosecond/byte counts.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(fv)
		case config.ByteSize:
			result[key] = bytesize.Format(bytesize.Size(fv.Bytes()))
		default:
			switch field.Kind() {
			case reflect.Struct:
				result[key] = toMap(field.Interface())
			case reflect.Slice:
				if field.Len() == 0 {
					result[key] = []any{}
				} else {
					result[key] = field.Interface()
				}
			default:
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# nvrcore configuration file")
	fmt.Println("# =========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides use the NVR_ prefix:")
	fmt.Println("#   NVR_SERVER_HOST, NVR_SERVER_PORT")
	fmt.Println("#   NVR_DATABASE_DRIVER, NVR_DATABASE_DSN")
	fmt.Println("#   NVR_STORAGE_BASE_DIR, NVR_STORAGE_MAX_STORAGE_BYTES")
	fmt.Println("#   NVR_LOGGING_LEVEL, NVR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println()
	fmt.Print(string(yamlData))

	return nil
}
