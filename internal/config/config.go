package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models prototypia.yml.
type Config struct {
	Locale     string     `yaml:"locale" json:"locale"`
	Scoring    Scoring    `yaml:"scoring" json:"scoring"`
	Simulation Simulation `yaml:"simulation" json:"simulation"`
	Progress   struct {
		StarterInventory []string `yaml:"starter_inventory" json:"starter_inventory"`
	} `yaml:"progress" json:"progress"`
	Parameters struct {
		Defaults ParameterDefaults `yaml:"defaults" json:"defaults"`
		Ranges   ParameterRanges   `yaml:"ranges" json:"ranges"`
	} `yaml:"parameters" json:"parameters"`
	Assets struct {
		MaxBytes      int64 `yaml:"max_bytes" json:"max_bytes"`
		MaxImageWidth int   `yaml:"max_image_width" json:"max_image_width"`
		CacheSize     int   `yaml:"cache_size" json:"cache_size"`
	} `yaml:"assets" json:"assets"`
	Catalog struct {
		Path string `yaml:"path" json:"path,omitempty"`
	} `yaml:"catalog" json:"catalog"`
	Server struct {
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
}

// Scoring holds the tuning constants of the scoring policy. Open bounds are
// exclusive, Min/Max bounds are inclusive.
type Scoring struct {
	Base                 int     `yaml:"base" json:"base"`
	OptimalMaterialBonus int     `yaml:"optimal_material_bonus" json:"optimal_material_bonus"`
	InfillBonus          int     `yaml:"infill_bonus" json:"infill_bonus"`
	InfillBonusAbove     int     `yaml:"infill_bonus_above" json:"infill_bonus_above"`
	InfillBonusBelow     int     `yaml:"infill_bonus_below" json:"infill_bonus_below"`
	LayerBonus           int     `yaml:"layer_bonus" json:"layer_bonus"`
	LayerBonusMax        float64 `yaml:"layer_bonus_max" json:"layer_bonus_max"`
	SpeedBonus           int     `yaml:"speed_bonus" json:"speed_bonus"`
	SpeedBonusAbove      int     `yaml:"speed_bonus_above" json:"speed_bonus_above"`
	SpeedBonusBelow      int     `yaml:"speed_bonus_below" json:"speed_bonus_below"`
	FirstCompletionBonus int     `yaml:"first_completion_bonus" json:"first_completion_bonus"`
	MinInfill            int     `yaml:"min_infill" json:"min_infill"`
}

type Simulation struct {
	Delay time.Duration `yaml:"delay" json:"delay"`
}

type ParameterDefaults struct {
	Material    string  `yaml:"material" json:"material"`
	LayerHeight float64 `yaml:"layer_height" json:"layer_height"`
	Infill      int     `yaml:"infill" json:"infill"`
	PrintSpeed  int     `yaml:"print_speed" json:"print_speed"`
	Supports    bool    `yaml:"supports" json:"supports"`
	BedAdhesion string  `yaml:"bed_adhesion" json:"bed_adhesion"`
}

type FloatRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

type IntRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

type ParameterRanges struct {
	LayerHeight FloatRange `yaml:"layer_height" json:"layer_height"`
	Infill      IntRange   `yaml:"infill" json:"infill"`
	PrintSpeed  IntRange   `yaml:"print_speed" json:"print_speed"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with proto config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Locale {
	case "es", "en":
	default:
		return fmt.Errorf("config.locale must be 'es' or 'en', got %q", c.Locale)
	}
	s := c.Scoring
	if s.Base <= 0 {
		return fmt.Errorf("config.scoring.base must be positive")
	}
	for name, v := range map[string]int{
		"optimal_material_bonus": s.OptimalMaterialBonus,
		"infill_bonus":           s.InfillBonus,
		"layer_bonus":            s.LayerBonus,
		"speed_bonus":            s.SpeedBonus,
		"first_completion_bonus": s.FirstCompletionBonus,
		"min_infill":             s.MinInfill,
	} {
		if v < 0 {
			return fmt.Errorf("config.scoring.%s must not be negative", name)
		}
	}
	if s.InfillBonusAbove >= s.InfillBonusBelow {
		return fmt.Errorf("config.scoring infill bonus window (%d,%d) is empty", s.InfillBonusAbove, s.InfillBonusBelow)
	}
	if s.SpeedBonusAbove >= s.SpeedBonusBelow {
		return fmt.Errorf("config.scoring speed bonus window (%d,%d) is empty", s.SpeedBonusAbove, s.SpeedBonusBelow)
	}
	if c.Simulation.Delay < 0 {
		return fmt.Errorf("config.simulation.delay must not be negative")
	}
	for _, id := range c.Progress.StarterInventory {
		if id == "" {
			return fmt.Errorf("config.progress.starter_inventory has empty material id")
		}
	}
	r := c.Parameters.Ranges
	if r.LayerHeight.Min <= 0 || r.LayerHeight.Min > r.LayerHeight.Max {
		return fmt.Errorf("config.parameters.ranges.layer_height is invalid")
	}
	if r.Infill.Min < 0 || r.Infill.Max > 100 || r.Infill.Min > r.Infill.Max {
		return fmt.Errorf("config.parameters.ranges.infill is invalid")
	}
	if r.PrintSpeed.Min <= 0 || r.PrintSpeed.Min > r.PrintSpeed.Max {
		return fmt.Errorf("config.parameters.ranges.print_speed is invalid")
	}
	d := c.Parameters.Defaults
	if d.LayerHeight < r.LayerHeight.Min || d.LayerHeight > r.LayerHeight.Max {
		return fmt.Errorf("config.parameters.defaults.layer_height %.2f outside range", d.LayerHeight)
	}
	if d.Infill < r.Infill.Min || d.Infill > r.Infill.Max {
		return fmt.Errorf("config.parameters.defaults.infill %d outside range", d.Infill)
	}
	if d.PrintSpeed < r.PrintSpeed.Min || d.PrintSpeed > r.PrintSpeed.Max {
		return fmt.Errorf("config.parameters.defaults.print_speed %d outside range", d.PrintSpeed)
	}
	switch d.BedAdhesion {
	case "none", "skirt", "brim", "raft":
	default:
		return fmt.Errorf("config.parameters.defaults.bed_adhesion %q is not one of none, skirt, brim, raft", d.BedAdhesion)
	}
	if c.Assets.MaxBytes <= 0 {
		return fmt.Errorf("config.assets.max_bytes must be positive")
	}
	if c.Assets.MaxImageWidth <= 0 {
		return fmt.Errorf("config.assets.max_image_width must be positive")
	}
	if c.Assets.CacheSize <= 0 {
		return fmt.Errorf("config.assets.cache_size must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "prototypia.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `locale: es

scoring:
  base: 100
  optimal_material_bonus: 30
  infill_bonus: 5
  infill_bonus_above: 15
  infill_bonus_below: 40
  layer_bonus: 5
  layer_bonus_max: 0.2
  speed_bonus: 10
  speed_bonus_above: 40
  speed_bonus_below: 70
  first_completion_bonus: 50
  min_infill: 15

simulation:
  delay: 3s

progress:
  starter_inventory: [PLA, ABS, PETG]

parameters:
  defaults:
    material: PLA
    layer_height: 0.2
    infill: 20
    print_speed: 50
    supports: false
    bed_adhesion: skirt
  ranges:
    layer_height: {min: 0.1, max: 0.4}
    infill: {min: 0, max: 100}
    print_speed: {min: 20, max: 100}

assets:
  max_bytes: 26214400
  max_image_width: 1600
  cache_size: 64

catalog:
  path: ""

server:
  base_path: /v0
`
