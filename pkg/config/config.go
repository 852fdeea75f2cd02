// Package config defines the ModuleSystem configuration surface (§6) and
// loads it with spf13/viper, the same library bennypowers-mappa's cmd/
// packages use to merge a config file with environment overrides. Loading
// is a library call — there is no CLI surface here, matching the spec's
// Non-goals.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Resolution configures the Resolver (C1).
type Resolution struct {
	BaseURL          string              `mapstructure:"baseUrl"`
	Paths            map[string][]string `mapstructure:"paths"`
	Extensions       []string            `mapstructure:"extensions"`
	ModuleDirectories []string           `mapstructure:"moduleDirectories"`
}

// Loading configures the Loader (C2).
type Loading struct {
	CircularDependencyStrategy string   `mapstructure:"circularDependencyStrategy"`
	Encoding                   string   `mapstructure:"encoding"`
	Externals                  []string `mapstructure:"externals"`
	MaxCacheSize               int      `mapstructure:"maxCacheSize"`
	MaxCacheMemory              int64    `mapstructure:"maxCacheMemory"`
}

// Compilation configures the Compiler driver (C4).
type Compilation struct {
	Target       string `mapstructure:"target"`
	SourceMap    bool   `mapstructure:"sourceMap"`
	Minify       bool   `mapstructure:"minify"`
	NoTypeCheck  bool   `mapstructure:"noTypeCheck"`
	Strict       bool   `mapstructure:"strict"`
	Output       string `mapstructure:"output"`
	OutDir       string `mapstructure:"outDir"`
}

// ResourceLimits configures the resource limiter (§4.6).
type ResourceLimits struct {
	MaxMemoryBytes   int64 `mapstructure:"maxMemoryBytes"`
	MaxFileHandles   int   `mapstructure:"maxFileHandles"`
	MaxCachedModules int   `mapstructure:"maxCachedModules"`
	CheckIntervalMS  int   `mapstructure:"checkInterval"`
}

// Config is the full ModuleSystem configuration surface (§6).
type Config struct {
	Resolution        Resolution     `mapstructure:"resolution"`
	Loading           Loading        `mapstructure:"loading"`
	Compilation       Compilation    `mapstructure:"compilation"`
	Metrics           bool           `mapstructure:"metrics"`
	CircuitBreakers   bool           `mapstructure:"circuitBreakers"`
	Logger            bool           `mapstructure:"logger"`
	ManagementServer  bool           `mapstructure:"managementServer"`
	ManagementPort    int            `mapstructure:"managementPort"`
	OperationTimeoutMS int           `mapstructure:"operationTimeout"`
	ResourceLimits     ResourceLimits `mapstructure:"resourceLimits"`
	WatchMode          bool           `mapstructure:"watchMode"`
}

// recognizedEncodings are the text encoding labels Load/Validate accept.
var recognizedEncodings = map[string]bool{
	"utf8": true, "utf-8": true, "ascii": true, "latin1": true, "utf16le": true,
}

var recognizedTargets = map[string]bool{
	"es5": true, "es2015": true, "es2020": true, "esnext": true,
}

var recognizedCycleStrategies = map[string]bool{
	"error": true, "warn": true, "ignore": true,
}

// Default returns the spec's documented defaults (§3, §4.2, §4.6).
func Default() *Config {
	return &Config{
		Resolution: Resolution{
			Extensions:        defaultExtensions(),
			ModuleDirectories: []string{"node_modules"},
		},
		Loading: Loading{
			CircularDependencyStrategy: "error",
			Encoding:                   "utf8",
			MaxCacheSize:               500,
			MaxCacheMemory:             64 * 1024 * 1024,
		},
		Compilation: Compilation{
			Target: "es2020",
		},
		OperationTimeoutMS: 120000,
		ResourceLimits: ResourceLimits{
			MaxMemoryBytes:   512 * 1024 * 1024,
			MaxFileHandles:   256,
			MaxCachedModules: 1000,
			CheckIntervalMS:  5000,
		},
	}
}

func defaultExtensions() []string { return []string{".som", ".js", ".json"} }

// Load reads configuration from the given file path (if non-empty), merges
// environment variable overrides (prefix MODSYS_, nested keys joined with
// "_"), applies defaults for anything unset, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MODSYS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("resolution.baseUrl", def.Resolution.BaseURL)
	v.SetDefault("loading.externals", def.Loading.Externals)
	v.SetDefault("compilation.sourceMap", def.Compilation.SourceMap)
	v.SetDefault("compilation.minify", def.Compilation.Minify)
	v.SetDefault("compilation.noTypeCheck", def.Compilation.NoTypeCheck)
	v.SetDefault("compilation.strict", def.Compilation.Strict)
	v.SetDefault("compilation.output", def.Compilation.Output)
	v.SetDefault("compilation.outDir", def.Compilation.OutDir)
	v.SetDefault("metrics", def.Metrics)
	v.SetDefault("circuitBreakers", def.CircuitBreakers)
	v.SetDefault("logger", def.Logger)
	v.SetDefault("managementServer", def.ManagementServer)
	v.SetDefault("managementPort", def.ManagementPort)
	v.SetDefault("watchMode", def.WatchMode)
	v.SetDefault("resolution.extensions", def.Resolution.Extensions)
	v.SetDefault("resolution.moduleDirectories", def.Resolution.ModuleDirectories)
	v.SetDefault("loading.circularDependencyStrategy", def.Loading.CircularDependencyStrategy)
	v.SetDefault("loading.encoding", def.Loading.Encoding)
	v.SetDefault("loading.maxCacheSize", def.Loading.MaxCacheSize)
	v.SetDefault("loading.maxCacheMemory", def.Loading.MaxCacheMemory)
	v.SetDefault("compilation.target", def.Compilation.Target)
	v.SetDefault("operationTimeout", def.OperationTimeoutMS)
	v.SetDefault("resourceLimits.maxMemoryBytes", def.ResourceLimits.MaxMemoryBytes)
	v.SetDefault("resourceLimits.maxFileHandles", def.ResourceLimits.MaxFileHandles)
	v.SetDefault("resourceLimits.maxCachedModules", def.ResourceLimits.MaxCachedModules)
	v.SetDefault("resourceLimits.checkInterval", def.ResourceLimits.CheckIntervalMS)
}

// Validate performs the eager validation pass of §4.6, aggregating every
// problem instead of stopping at the first, and returns a single
// modulerr.ConfigurationError-shaped error (callers in internal/modsystem
// wrap this into modulerr.ConfigurationError to avoid an import cycle here).
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Resolution.BaseURL == "" {
		problems = append(problems, "resolution.baseUrl must be supplied explicitly")
	}
	if len(cfg.Resolution.Extensions) == 0 {
		problems = append(problems, "resolution.extensions must be a non-empty list")
	}
	for _, ext := range cfg.Resolution.Extensions {
		if !strings.HasPrefix(ext, ".") {
			problems = append(problems, fmt.Sprintf("resolution.extensions entry %q must start with '.'", ext))
		}
	}
	if len(cfg.Resolution.ModuleDirectories) == 0 {
		problems = append(problems, "resolution.moduleDirectories must be a non-empty list")
	}
	if !recognizedCycleStrategies[cfg.Loading.CircularDependencyStrategy] {
		problems = append(problems, fmt.Sprintf("loading.circularDependencyStrategy %q must be one of error|warn|ignore", cfg.Loading.CircularDependencyStrategy))
	}
	if !recognizedEncodings[strings.ToLower(cfg.Loading.Encoding)] {
		problems = append(problems, fmt.Sprintf("loading.encoding %q is not a recognized text encoding label", cfg.Loading.Encoding))
	}
	if cfg.Loading.MaxCacheSize < 1 {
		problems = append(problems, "loading.maxCacheSize must be >= 1")
	}
	if cfg.Loading.MaxCacheMemory < 1024 {
		problems = append(problems, "loading.maxCacheMemory must be >= 1024")
	}
	if cfg.Compilation.Target != "" && !recognizedTargets[cfg.Compilation.Target] {
		problems = append(problems, fmt.Sprintf("compilation.target %q must be one of es5|es2015|es2020|esnext", cfg.Compilation.Target))
	}
	if cfg.ManagementServer && (cfg.ManagementPort < 1 || cfg.ManagementPort > 65535) {
		problems = append(problems, "managementPort must be in 1..65535 when managementServer is enabled")
	}
	if cfg.ManagementServer && !(cfg.Metrics && cfg.CircuitBreakers) {
		problems = append(problems, "managementServer requires both metrics and circuitBreakers to be enabled")
	}
	if cfg.OperationTimeoutMS < 1000 || cfg.OperationTimeoutMS > 600000 {
		problems = append(problems, "operationTimeout must be in 1000..600000 ms")
	}
	if cfg.ResourceLimits.MaxMemoryBytes < 1024*1024 {
		problems = append(problems, "resourceLimits.maxMemoryBytes must be >= 1MB")
	}
	if cfg.ResourceLimits.MaxFileHandles < 1 {
		problems = append(problems, "resourceLimits.maxFileHandles must be >= 1")
	}
	if cfg.ResourceLimits.MaxCachedModules < 1 {
		problems = append(problems, "resourceLimits.maxCachedModules must be >= 1")
	}
	if cfg.ResourceLimits.CheckIntervalMS < 100 || cfg.ResourceLimits.CheckIntervalMS > 60000 {
		problems = append(problems, "resourceLimits.checkInterval must be in 100..60000 ms")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Merge decodes update's keys onto a copy of base (fields update omits keep
// base's value, matching mapstructure's "existing struct" decode semantics)
// and re-validates the result (§4.6 "/config POST/PUT merges updates and
// re-validates").
func Merge(base Config, update map[string]interface{}) (Config, error) {
	merged := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &merged,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return base, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(update); err != nil {
		return base, fmt.Errorf("merging config update: %w", err)
	}
	if err := Validate(&merged); err != nil {
		return base, err
	}
	return merged, nil
}

// ValidationError aggregates every configuration problem found (§4.6).
// internal/modsystem converts this into modulerr.ConfigurationError at the
// boundary where it constructs the ModuleSystem.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration (%d problem(s)): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}
