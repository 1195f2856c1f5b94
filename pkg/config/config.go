// Levelbag uses flags and a single config file for configuration.
// The config file is a JSON object whose leaf entries are named after flags, e.g. {"bag_level_count": 100}. Objects
// may be nested to group entries; only the leaves are applied. The file is decoded into a protobuf Struct, so its
// syntax is exactly what protojson accepts.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFilePath = flag.String("config_file", "config.json", "Path to the configuration file.")

// skippedConfigFlags are the command line flags that never need a config file entry.
var skippedConfigFlags = []string{"print_version", "config_file"}

// maxExactFloat is the largest integer a JSON number holds without losing precision.
const maxExactFloat = 1 << 53

// LoadFile reads and decodes the config file at `path`.
func LoadFile(path string) (*structpb.Struct, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	conf := new(structpb.Struct)
	if err := protojson.Unmarshal(content, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return conf, nil
}

// valueToString converts a leaf config value to its flag representation.
func valueToString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		// Integer flags reject "1e+06", so whole numbers are written without an exponent.
		if number == math.Trunc(number) && math.Abs(number) < maxExactFloat {
			return strconv.FormatInt(int64(number), 10), nil
		}
		return strconv.FormatFloat(number, 'g', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NullValue:
		return "", errors.New("null values aren't supported")
	case *structpb.Value_ListValue:
		return "", errors.New("lists aren't supported")
	default:
		return "", fmt.Errorf("unsupported value kind %T", kind)
	}
}

// collectFlags flattens `conf` into flag name -> flag value. Nested objects are walked; a flag named twice is an error.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, conf *structpb.Struct, path string) error {
	names := make([]string, 0, len(conf.GetFields()))
	for name := range conf.GetFields() {
		names = append(names, name)
	}
	slices.Sort(names) // Deterministic error reporting.
	for _, name := range names {
		value := conf.GetFields()[name]
		entryPath := strings.TrimPrefix(path+"."+name, ".")
		if nested := value.GetStructValue(); nested != nil {
			if err := collectFlags(flags, nested, entryPath); err != nil {
				return err
			}
			continue
		}
		stringValue, err := valueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", entryPath, err)
		}
		if _, alreadyExists := flags[name]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config: '%s'", name, entryPath)
		}
		flags[name] = stringValue
	}
	return nil
}

// ApplyFlags sets every flag named in `conf`. Entries naming unknown flags are rejected before any flag is set.
func ApplyFlags(conf *structpb.Struct) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(configFlags, conf, "" /*path*/); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	var errs []error
	for flagName := range configFlags {
		if flag.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("config entry '%s' doesn't name a flag", flagName))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	for flagName, flagValue := range configFlags {
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// InitFlags parses the command line, then applies the config file given by -config_file on top of it.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	conf, err := LoadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil {
		slog.Error("Failed to load config file.", "path", *configFilePath, "error", err)
		return
	}

	if err := ApplyFlags(conf); err != nil {
		slog.Error("Failed to set flags from config file.", "path", *configFilePath, "error", err)
		return
	}
	slog.Debug("Applied config file.", "path", *configFilePath)
}

// CollectUnconfiguredFlags returns an error per registered flag without an entry in `conf`.
func CollectUnconfiguredFlags(conf *structpb.Struct) []error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(configFlags, conf, "" /*path*/); err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := configFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has no entry in the config file", f.Name))
		}
	})
	return errs
}
