package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "legend.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "legend.yml"

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "LEGEND_"

var configFileUsed string

// Load loads the study configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*Study, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"output_folder":  DefaultOutputFolder,
		"state_path":     DefaultStateFile,
		"min_cell_count": DefaultMinCellCount,
		"log_format":     "text",
		"verbose":        false,

		// Every stage runs unless the study config or a skip flag says
		// otherwise.
		"stages.create_exposure_cohorts":      true,
		"stages.create_outcome_cohorts":       true,
		"stages.synthesize_positive_controls": true,
		"stages.fetch_all_data_from_server":   true,
		"stages.fit_outcome_models":           true,
		"stages.compute_incidence":            true,
		"stages.compute_covariate_balance":    true,
		"stages.export_results":               true,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	configFileUsed = findConfigFile(cfgFile)
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFileUsed, err)
		}
	} else if cfgFile != "" {
		return nil, fmt.Errorf("config file not found: %s", cfgFile)
	}

	// 3. Environment variables: LEGEND_MIN_CELL_COUNT -> min_cell_count,
	// LEGEND_TARGET__PASSWORD -> target.password
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags (only those explicitly set)
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var study Study
	if err := k.Unmarshal("", &study); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	study.ApplyDefaults()
	if study.Target != nil {
		expandTargetEnvVars(study.Target)
	}

	// Resolve paths relative to the config file's directory so a study can
	// be launched from anywhere.
	if configFileUsed != "" {
		base := filepath.Dir(configFileUsed)
		study.OutputFolder = resolveRelativeTo(study.OutputFolder, base)
		study.StatePath = resolveRelativeTo(study.StatePath, base)
		study.ComparisonsFile = resolveRelativeTo(study.ComparisonsFile, base)
	}

	return &study, nil
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// findConfigFile finds the config file to use.
// Priority: explicit path > legend.yaml > legend.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName
	}
	if _, err := os.Stat(ConfigFileNameAlt); err == nil {
		return ConfigFileNameAlt
	}
	return ""
}

func resolveRelativeTo(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// expandTargetEnvVars expands environment variables in sensitive target fields.
func expandTargetEnvVars(t *TargetConfig) {
	t.Password = expandEnvVars(t.Password)
	t.User = expandEnvVars(t.User)
	t.Host = expandEnvVars(t.Host)
	t.Database = expandEnvVars(t.Database)
}
