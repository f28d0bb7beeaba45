// Package config provides configuration management for the planetile pipeline.
// It handles loading and validating pipeline settings from YAML or JSON files,
// applies sensible defaults, and resolves relative working directories against
// the configuration file's own directory so that a config checked into a
// project tree works regardless of the invocation directory.
package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/glorpus-work/planetile/pkg/errors"
)

// Config is the top-level pipeline configuration.
type Config struct {
	// Working directories. Relative paths are resolved against the
	// directory containing the config file.
	DataDir   string `yaml:"data_dir" json:"data_dir"`
	TempDir   string `yaml:"temp_dir" json:"temp_dir"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Catalog is the asset catalog file consulted by the acquire stage.
	Catalog string `yaml:"catalog,omitempty" json:"catalog,omitempty"`

	Processing     ProcessingConfig `yaml:"processing" json:"processing"`
	Modis          ModisConfig      `yaml:"modis" json:"modis"`
	Viirs          ViirsConfig      `yaml:"viirs" json:"viirs"`
	Copernicus     CopernicusConfig `yaml:"copernicus" json:"copernicus"`
	GSIOrthophotos GSIConfig        `yaml:"gsi_orthophotos" json:"gsi_orthophotos"`

	// Hooks holds optional per-stage scripts run by the sequencer.
	Hooks map[string]StageHooks `yaml:"hooks,omitempty" json:"hooks,omitempty"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// ProcessingConfig controls the process and tile stages.
type ProcessingConfig struct {
	BmngResolution    string  `yaml:"bmng_resolution" json:"bmng_resolution"`
	GebcoYear         int     `yaml:"gebco_year" json:"gebco_year"`
	NaturalEarthScale string  `yaml:"natural_earth_scale" json:"natural_earth_scale"`
	ColorEnhancement  float64 `yaml:"color_enhancement" json:"color_enhancement"`
	HillshadeOpacity  float64 `yaml:"hillshade_opacity" json:"hillshade_opacity"`
	MinZoom           int     `yaml:"min_zoom" json:"min_zoom"`
	MaxZoom           int     `yaml:"max_zoom" json:"max_zoom"`
	TileFormat        string  `yaml:"tile_format" json:"tile_format"`
	TileQuality       int     `yaml:"tile_quality" json:"tile_quality"`
	TileSource        string  `yaml:"tile_source" json:"tile_source"`
	TileName          string  `yaml:"tile_name" json:"tile_name"`
	TileAttribution   string  `yaml:"tile_attribution" json:"tile_attribution"`
	Resampling        string  `yaml:"resampling" json:"resampling"`
	PMTilesDedup      bool    `yaml:"pmtiles_dedup" json:"pmtiles_dedup"`
}

// ModisConfig controls MODIS MCD43A4 acquisition through the batch service.
type ModisConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	DOY        string   `yaml:"doy,omitempty" json:"doy,omitempty"`
	Tiles      []string `yaml:"tiles,omitempty" json:"tiles,omitempty"`
	TileSource string   `yaml:"tile_source,omitempty" json:"tile_source,omitempty"`
	Product    string   `yaml:"product,omitempty" json:"product,omitempty"`
	ScaleMin   float64  `yaml:"scale_min" json:"scale_min"`
	ScaleMax   float64  `yaml:"scale_max" json:"scale_max"`
	Gamma      float64  `yaml:"gamma" json:"gamma"`
}

// ViirsConfig controls VIIRS surface reflectance acquisition.
type ViirsConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Date     string   `yaml:"date,omitempty" json:"date,omitempty"`
	Tiles    []string `yaml:"tiles,omitempty" json:"tiles,omitempty"`
	Product  string   `yaml:"product,omitempty" json:"product,omitempty"`
	ScaleMin float64  `yaml:"scale_min" json:"scale_min"`
	ScaleMax float64  `yaml:"scale_max" json:"scale_max"`
	Gamma    float64  `yaml:"gamma" json:"gamma"`
}

// CopernicusLayer describes one WMS layer to mirror into the tile cache.
type CopernicusLayer struct {
	Name   string `yaml:"name" json:"name"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Style  string `yaml:"style,omitempty" json:"style,omitempty"`
	Time   string `yaml:"time,omitempty" json:"time,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// CopernicusConfig controls the Copernicus Data Space tile grid acquisition.
type CopernicusConfig struct {
	Enabled                bool              `yaml:"enabled" json:"enabled"`
	BBox                   []float64         `yaml:"bbox,omitempty" json:"bbox,omitempty"`
	MinZoom                int               `yaml:"min_zoom" json:"min_zoom"`
	MaxZoom                int               `yaml:"max_zoom" json:"max_zoom"`
	TileSize               int               `yaml:"tile_size" json:"tile_size"`
	Layers                 []CopernicusLayer `yaml:"layers,omitempty" json:"layers,omitempty"`
	MaxTilesPerLayer       int               `yaml:"max_tiles_per_layer,omitempty" json:"max_tiles_per_layer,omitempty"`
	TimeoutSeconds         int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries             int               `yaml:"max_retries" json:"max_retries"`
	RequestIntervalSeconds float64           `yaml:"request_interval_seconds" json:"request_interval_seconds"`
	BackoffFactor          float64           `yaml:"backoff_factor" json:"backoff_factor"`
}

// GSIConfig controls the GSI seamless orthophoto mosaic acquisition.
type GSIConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	Lat            float64 `yaml:"lat" json:"lat"`
	Lon            float64 `yaml:"lon" json:"lon"`
	WidthM         float64 `yaml:"width_m" json:"width_m"`
	HeightM        float64 `yaml:"height_m" json:"height_m"`
	Zoom           int     `yaml:"zoom" json:"zoom"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	TileTemplate   string  `yaml:"tile_template,omitempty" json:"tile_template,omitempty"`
	OutputBasename string  `yaml:"output_basename,omitempty" json:"output_basename,omitempty"`
}

// StageHooks names optional Tengo scripts run around one pipeline stage.
type StageHooks struct {
	Pre  string `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post string `yaml:"post,omitempty" json:"post,omitempty"`
}

// Default configuration values.
const (
	DefaultBmngResolution    = "500m"
	DefaultGebcoYear         = 2024
	DefaultNaturalEarthScale = "10m"
	DefaultMaxZoom           = 10
	DefaultTileFormat        = "JPEG"
	DefaultTileQuality       = 95
	DefaultTileSource        = "bmng"
	DefaultTileName          = "Planetile Basemap"
	DefaultResampling        = "cubic"
	DefaultWMSTimeout        = 30
	DefaultWMSTileSize       = 256
	DefaultGSITileTemplate   = "https://cyberjapandata.gsi.go.jp/xyz/seamlessphoto/{z}/{x}/{y}.jpg"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "data",
		TempDir:   "tmp",
		OutputDir: "output",
		Processing: ProcessingConfig{
			BmngResolution:    DefaultBmngResolution,
			GebcoYear:         DefaultGebcoYear,
			NaturalEarthScale: DefaultNaturalEarthScale,
			ColorEnhancement:  1.05,
			HillshadeOpacity:  0.15,
			MinZoom:           0,
			MaxZoom:           DefaultMaxZoom,
			TileFormat:        DefaultTileFormat,
			TileQuality:       DefaultTileQuality,
			TileSource:        DefaultTileSource,
			TileName:          DefaultTileName,
			Resampling:        DefaultResampling,
			PMTilesDedup:      true,
		},
		Modis: ModisConfig{
			Product:  "MCD43A4.061",
			ScaleMin: 0,
			ScaleMax: 4000,
			Gamma:    1.0,
		},
		Viirs: ViirsConfig{
			Product:  "VNP09GA.002",
			ScaleMin: 0,
			ScaleMax: 9000,
			Gamma:    0.8,
		},
		Copernicus: CopernicusConfig{
			BBox:           []float64{123.0, 24.0, 147.0, 46.0},
			MinZoom:        8,
			MaxZoom:        12,
			TileSize:       DefaultWMSTileSize,
			TimeoutSeconds: DefaultWMSTimeout,
			MaxRetries:     3,
			BackoffFactor:  1.5,
		},
		GSIOrthophotos: GSIConfig{
			Zoom:           18,
			WidthM:         1000,
			HeightM:        1000,
			TimeoutSeconds: DefaultWMSTimeout,
			TileTemplate:   DefaultGSITileTemplate,
			OutputBasename: "gsi_ortho",
		},
		LogLevel: "info",
	}
}

// Load reads a configuration file and resolves relative directories against
// the file's parent directory. Missing files are an error: the pipeline
// never runs on an implicit configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfigPath, err.Error())
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfigPath, "open %s: %v", path, err)
	}
	defer func() { _ = file.Close() }()

	cfg, err := LoadFromReader(file, filepath.Ext(absPath))
	if err != nil {
		return nil, err
	}

	cfg.resolveRelativeDirs(filepath.Dir(absPath))
	return cfg, nil
}

// LoadFromReader parses configuration data. The extension selects the
// parser: ".json" for JSON, ".yaml"/".yml" (or empty) for YAML.
func LoadFromReader(reader io.Reader, ext string) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config data")
	}

	cfg := DefaultConfig()
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
		}
	default:
		return nil, errors.Wrapf(errors.ErrConfigParse, "unsupported configuration format: %s", ext)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessingDir returns the directory holding processed intermediates.
func (c *Config) ProcessingDir() string {
	return filepath.Join(c.TempDir, "processing")
}

// DistributionDir returns the directory holding the final shippable bundle.
func (c *Config) DistributionDir() string {
	return filepath.Join(c.OutputDir, "distribution")
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.ErrConfigValidation
	}
	if err := validateProcessing(c.Processing); err != nil {
		return err
	}
	if err := validateCopernicus(c.Copernicus); err != nil {
		return err
	}
	if err := validateGSI(c.GSIOrthophotos); err != nil {
		return err
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.LogLevel != "" && !validLevels[strings.ToLower(c.LogLevel)] {
		return errors.Wrapf(errors.ErrConfigValidation, "invalid log level: %s", c.LogLevel)
	}
	return nil
}

func validateProcessing(p ProcessingConfig) error {
	if p.MinZoom < 0 || p.MaxZoom < p.MinZoom {
		return errors.Wrapf(errors.ErrConfigValidation,
			"zoom range %d..%d is invalid", p.MinZoom, p.MaxZoom)
	}
	if p.TileQuality < 1 || p.TileQuality > 100 {
		return errors.Wrapf(errors.ErrConfigValidation,
			"tile_quality must be within 1..100, got %d", p.TileQuality)
	}
	switch strings.ToUpper(p.TileFormat) {
	case "JPEG", "PNG", "WEBP":
	default:
		return errors.Wrapf(errors.ErrConfigValidation,
			"unsupported tile_format: %s", p.TileFormat)
	}
	return nil
}

func validateCopernicus(c CopernicusConfig) error {
	if !c.Enabled {
		return nil
	}
	if len(c.BBox) != 4 {
		return errors.Wrapf(errors.ErrConfigValidation,
			"copernicus.bbox must hold four numbers, got %d", len(c.BBox))
	}
	if c.BBox[0] >= c.BBox[2] || c.BBox[1] >= c.BBox[3] {
		return errors.Wrap(errors.ErrConfigValidation,
			"copernicus.bbox must be min_lon, min_lat, max_lon, max_lat")
	}
	if c.MinZoom < 0 || c.MaxZoom < c.MinZoom {
		return errors.Wrapf(errors.ErrConfigValidation,
			"copernicus zoom range %d..%d is invalid", c.MinZoom, c.MaxZoom)
	}
	if len(c.Layers) == 0 {
		return errors.Wrap(errors.ErrConfigValidation,
			"copernicus enabled without layers")
	}
	for i, layer := range c.Layers {
		if layer.Name == "" {
			return errors.Wrapf(errors.ErrConfigValidation,
				"copernicus.layers[%d] has no name", i)
		}
	}
	return nil
}

func validateGSI(g GSIConfig) error {
	if !g.Enabled {
		return nil
	}
	if g.Lat < -90 || g.Lat > 90 || g.Lon < -180 || g.Lon > 180 {
		return errors.Wrapf(errors.ErrConfigValidation,
			"gsi_orthophotos center %f,%f is out of range", g.Lat, g.Lon)
	}
	if g.WidthM <= 0 || g.HeightM <= 0 {
		return errors.Wrap(errors.ErrConfigValidation,
			"gsi_orthophotos extent must be positive")
	}
	if g.Zoom < 0 || g.Zoom > 24 {
		return errors.Wrapf(errors.ErrConfigValidation,
			"gsi_orthophotos zoom %d is out of range", g.Zoom)
	}
	return nil
}

// applyDefaults fills in zero values that unmarshalling may have cleared
// when a section was present but sparse.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.TempDir == "" {
		c.TempDir = defaults.TempDir
	}
	if c.OutputDir == "" {
		c.OutputDir = defaults.OutputDir
	}
	if c.Processing.BmngResolution == "" {
		c.Processing.BmngResolution = defaults.Processing.BmngResolution
	}
	if c.Processing.GebcoYear == 0 {
		c.Processing.GebcoYear = defaults.Processing.GebcoYear
	}
	if c.Processing.NaturalEarthScale == "" {
		c.Processing.NaturalEarthScale = defaults.Processing.NaturalEarthScale
	}
	if c.Processing.MaxZoom == 0 {
		c.Processing.MaxZoom = defaults.Processing.MaxZoom
	}
	if c.Processing.TileFormat == "" {
		c.Processing.TileFormat = defaults.Processing.TileFormat
	}
	if c.Processing.TileQuality == 0 {
		c.Processing.TileQuality = defaults.Processing.TileQuality
	}
	if c.Processing.TileName == "" {
		c.Processing.TileName = defaults.Processing.TileName
	}
	if c.Processing.Resampling == "" {
		c.Processing.Resampling = defaults.Processing.Resampling
	}
	if c.Modis.Product == "" {
		c.Modis.Product = defaults.Modis.Product
	}
	if c.Modis.ScaleMax == 0 {
		c.Modis.ScaleMax = defaults.Modis.ScaleMax
	}
	if c.Modis.Gamma == 0 {
		c.Modis.Gamma = defaults.Modis.Gamma
	}
	if c.Viirs.Product == "" {
		c.Viirs.Product = defaults.Viirs.Product
	}
	if c.Viirs.ScaleMax == 0 {
		c.Viirs.ScaleMax = defaults.Viirs.ScaleMax
	}
	if c.Viirs.Gamma == 0 {
		c.Viirs.Gamma = defaults.Viirs.Gamma
	}
	if len(c.Copernicus.BBox) == 0 {
		c.Copernicus.BBox = defaults.Copernicus.BBox
	}
	if c.Copernicus.MaxZoom == 0 {
		c.Copernicus.MinZoom = defaults.Copernicus.MinZoom
		c.Copernicus.MaxZoom = defaults.Copernicus.MaxZoom
	}
	if c.Copernicus.TileSize == 0 {
		c.Copernicus.TileSize = defaults.Copernicus.TileSize
	}
	if c.Copernicus.TimeoutSeconds == 0 {
		c.Copernicus.TimeoutSeconds = defaults.Copernicus.TimeoutSeconds
	}
	if c.Copernicus.MaxRetries == 0 {
		c.Copernicus.MaxRetries = defaults.Copernicus.MaxRetries
	}
	if c.Copernicus.BackoffFactor == 0 {
		c.Copernicus.BackoffFactor = defaults.Copernicus.BackoffFactor
	}
	for i := range c.Copernicus.Layers {
		if c.Copernicus.Layers[i].Format == "" {
			c.Copernicus.Layers[i].Format = "image/jpeg"
		}
	}
	if c.GSIOrthophotos.Zoom == 0 {
		c.GSIOrthophotos.Zoom = defaults.GSIOrthophotos.Zoom
	}
	if c.GSIOrthophotos.WidthM == 0 {
		c.GSIOrthophotos.WidthM = defaults.GSIOrthophotos.WidthM
	}
	if c.GSIOrthophotos.HeightM == 0 {
		c.GSIOrthophotos.HeightM = defaults.GSIOrthophotos.HeightM
	}
	if c.GSIOrthophotos.TimeoutSeconds == 0 {
		c.GSIOrthophotos.TimeoutSeconds = defaults.GSIOrthophotos.TimeoutSeconds
	}
	if c.GSIOrthophotos.TileTemplate == "" {
		c.GSIOrthophotos.TileTemplate = defaults.GSIOrthophotos.TileTemplate
	}
	if c.GSIOrthophotos.OutputBasename == "" {
		c.GSIOrthophotos.OutputBasename = defaults.GSIOrthophotos.OutputBasename
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
}

// resolveRelativeDirs anchors relative working directories at baseDir.
func (c *Config) resolveRelativeDirs(baseDir string) {
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(baseDir, c.DataDir)
	}
	if !filepath.IsAbs(c.TempDir) {
		c.TempDir = filepath.Join(baseDir, c.TempDir)
	}
	if !filepath.IsAbs(c.OutputDir) {
		c.OutputDir = filepath.Join(baseDir, c.OutputDir)
	}
	if c.Catalog != "" && !filepath.IsAbs(c.Catalog) {
		c.Catalog = filepath.Join(baseDir, c.Catalog)
	}
}
