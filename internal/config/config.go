package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Survey join modes.
const (
	SurveyEnumeration = "enumeration"
	SurveyTiles       = "tiles"
	SurveyNone        = "none"
)

// MinSatelliteYear is the first year with usable imagery for every default
// collection.
const MinSatelliteYear = 2014

// Config holds the full application configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`
	Country    string           `yaml:"country" mapstructure:"country"`
	Features   []string         `yaml:"features" mapstructure:"features"`
	School     SchoolConfig     `yaml:"school" mapstructure:"school"`
	Survey     SurveyConfig     `yaml:"survey" mapstructure:"survey"`
	Population PopulationConfig `yaml:"population" mapstructure:"population"`
	Speedtest  SpeedtestConfig  `yaml:"speedtest" mapstructure:"speedtest"`
	OpenCellID OpenCellIDConfig `yaml:"opencellid" mapstructure:"opencellid"`
	Facebook   FacebookConfig   `yaml:"facebook" mapstructure:"facebook"`
	Satellite  SatelliteConfig  `yaml:"satellite" mapstructure:"satellite"`
	Countries  CountriesConfig  `yaml:"countries" mapstructure:"countries"`
	Writer     WriterConfig     `yaml:"writer" mapstructure:"writer"`
	RunLog     RunLogConfig     `yaml:"runlog" mapstructure:"runlog"`
	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SchoolConfig configures the school table.
type SchoolConfig struct {
	// BufferRadius is the school buffer radius in degrees. Zero keeps the
	// school point as its geometry.
	BufferRadius float64 `yaml:"buffer_radius" mapstructure:"buffer_radius"`
	OverpassURL  string  `yaml:"overpass_url" mapstructure:"overpass_url"`
}

// SurveyConfig configures the ground-truth survey join.
type SurveyConfig struct {
	Mode string `yaml:"mode" mapstructure:"mode"`
	// Areas maps a lower-case ISO3 code to the location of its survey area
	// boundaries: an ftp:// directory, an http(s) zip, or a path under data_dir.
	Areas map[string]string `yaml:"areas" mapstructure:"areas"`
}

// PopulationConfig configures the WorldPop raster source.
type PopulationConfig struct {
	Year    int     `yaml:"year" mapstructure:"year"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	NoData  float64 `yaml:"nodata" mapstructure:"nodata"`
}

// SpeedtestConfig configures the Ookla open data tiles source.
type SpeedtestConfig struct {
	Type    string `yaml:"type" mapstructure:"type"`
	Year    int    `yaml:"year" mapstructure:"year"`
	Quarter int    `yaml:"quarter" mapstructure:"quarter"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenCellIDConfig holds OpenCellID credentials and filters.
type OpenCellIDConfig struct {
	Token        string `yaml:"token" mapstructure:"token"`
	MinYear      int    `yaml:"min_year" mapstructure:"min_year"`
	DownloadsURL string `yaml:"downloads_url" mapstructure:"downloads_url"`
}

// FacebookConfig holds Marketing API settings for delivery estimates.
type FacebookConfig struct {
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
	AdAccountID string `yaml:"ad_account_id" mapstructure:"ad_account_id"`
	CallLimit   int    `yaml:"call_limit" mapstructure:"call_limit"`
	// RadiusKM is the targeting radius around each school.
	RadiusKM         float64 `yaml:"radius_km" mapstructure:"radius_km"`
	ChunkWaitSecs    int     `yaml:"chunk_wait_secs" mapstructure:"chunk_wait_secs"`
	APIURL           string  `yaml:"api_url" mapstructure:"api_url"`
	OptimizationGoal string  `yaml:"optimization_goal" mapstructure:"optimization_goal"`
}

// SatelliteConfig configures the imagery reduction source.
type SatelliteConfig struct {
	Endpoint      string             `yaml:"endpoint" mapstructure:"endpoint"`
	Token         string             `yaml:"token" mapstructure:"token"`
	StartYear     int                `yaml:"start_year" mapstructure:"start_year"`
	EndYear       int                `yaml:"end_year" mapstructure:"end_year"`
	BufferKM      float64            `yaml:"buffer_km" mapstructure:"buffer_km"`
	MaxCallSize   int                `yaml:"max_call_size" mapstructure:"max_call_size"`
	Scale         int                `yaml:"scale" mapstructure:"scale"`
	Collections   []CollectionConfig `yaml:"collections" mapstructure:"collections"`
	ChunkWaitSecs int                `yaml:"chunk_wait_secs" mapstructure:"chunk_wait_secs"`
}

// CollectionConfig names an image collection and the bands to reduce. A
// collection with no bands yields a single mean value.
type CollectionConfig struct {
	Name  string   `yaml:"name" mapstructure:"name"`
	Bands []string `yaml:"bands" mapstructure:"bands"`
}

// CountriesConfig locates the country boundaries GeoJSON.
type CountriesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// WriterConfig configures training set output.
type WriterConfig struct {
	// LegacyPermissions grants read, write and execute to others on saved
	// training sets.
	LegacyPermissions bool `yaml:"legacy_permissions" mapstructure:"legacy_permissions"`
}

// RunLogConfig configures the SQLite run log. An empty path disables it.
type RunLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// HTTPConfig configures outbound requests.
type HTTPConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. A .env file in the
// working directory is loaded into the environment first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCHOOLMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Country = strings.ToUpper(strings.TrimSpace(cfg.Country))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("country", "")
	v.SetDefault("features", []string{"population", "speedtest", "opencell", "facebook", "satellite"})
	v.SetDefault("school.buffer_radius", 0.01)
	v.SetDefault("school.overpass_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("survey.mode", SurveyEnumeration)
	v.SetDefault("survey.areas", map[string]string{
		"bra": "ftp://geoftp.ibge.gov.br/organizacao_do_territorio/malhas_territoriais/malhas_de_setores_censitarios__divisoes_intramunicipais/censo_2010/setores_censitarios_shp/",
		"tha": "https://data.opendevelopmentmekong.net/th/dataset/8f3fa1b8-cb5c-48c8-9fd7-d3c213ea23db/resource/1559cee4-fedc-4330-be9c-d8cf3dd75015/download/tha_admbnda_adm1_rtsd_20190221.zip",
		"phl": "geodata/phl_brgy",
	})
	v.SetDefault("population.year", 2020)
	v.SetDefault("population.base_url", "https://data.worldpop.org/GIS/Population/Global_2000_2020_1km_UNadj/")
	v.SetDefault("population.nodata", -99999)
	v.SetDefault("speedtest.type", "fixed")
	v.SetDefault("speedtest.year", 2021)
	v.SetDefault("speedtest.quarter", 1)
	v.SetDefault("speedtest.base_url", "https://ookla-open-data.s3.amazonaws.com/shapefiles/performance")
	v.SetDefault("opencellid.token", "")
	v.SetDefault("opencellid.min_year", 2003)
	v.SetDefault("opencellid.downloads_url", "https://opencellid.org/downloads.php")
	v.SetDefault("facebook.access_token", "")
	v.SetDefault("facebook.ad_account_id", "")
	v.SetDefault("facebook.call_limit", 200)
	v.SetDefault("facebook.radius_km", 1.0)
	v.SetDefault("facebook.chunk_wait_secs", 3600)
	v.SetDefault("facebook.api_url", "https://graph.facebook.com/v17.0")
	v.SetDefault("facebook.optimization_goal", "REACH")
	v.SetDefault("satellite.endpoint", "")
	v.SetDefault("satellite.token", "")
	v.SetDefault("satellite.start_year", 2019)
	v.SetDefault("satellite.end_year", 2020)
	v.SetDefault("satellite.buffer_km", 1.0)
	v.SetDefault("satellite.max_call_size", 500)
	v.SetDefault("satellite.scale", 1000)
	v.SetDefault("satellite.collections", []map[string]any{
		{"name": "MODIS/006/MOD13A2", "bands": []string{"NDVI", "EVI"}},
		{"name": "NOAA/VIIRS/DNB/MONTHLY_V1/VCMSLCFG", "bands": []string{"avg_rad"}},
		{"name": "CSP/HM/GlobalHumanModification", "bands": []string{}},
	})
	v.SetDefault("satellite.chunk_wait_secs", 0)
	v.SetDefault("countries.path", "geodata/countries.json")
	v.SetDefault("countries.url", "https://raw.githubusercontent.com/johan/world.geo.json/master/countries.geo.json")
	v.SetDefault("writer.legacy_permissions", false)
	v.SetDefault("runlog.path", "")
	v.SetDefault("http.user_agent", "schoolmap/1.0")
	v.SetDefault("http.timeout_secs", 300)
	v.SetDefault("http.max_retries", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks option values that Load cannot type-check.
func (c *Config) Validate() error {
	if len(c.Country) != 3 {
		return eris.Errorf("config: country %q is not an ISO 3166-1 alpha-3 code", c.Country)
	}
	switch c.Survey.Mode {
	case SurveyEnumeration, SurveyTiles, SurveyNone:
	default:
		return eris.Errorf("config: survey mode %q must be %s, %s or %s", c.Survey.Mode, SurveyEnumeration, SurveyTiles, SurveyNone)
	}
	if c.Speedtest.Quarter < 1 || c.Speedtest.Quarter > 4 {
		return eris.Errorf("config: speedtest quarter %d must be within 1..4", c.Speedtest.Quarter)
	}
	if c.Satellite.StartYear < MinSatelliteYear {
		return eris.Errorf("config: satellite start year %d is before %d", c.Satellite.StartYear, MinSatelliteYear)
	}
	if c.Satellite.EndYear < c.Satellite.StartYear {
		return eris.Errorf("config: satellite end year %d is before start year %d", c.Satellite.EndYear, c.Satellite.StartYear)
	}
	if c.School.BufferRadius < 0 {
		return eris.New("config: school buffer radius is negative")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
