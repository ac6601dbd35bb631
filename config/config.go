package config

// 配置文件：yaml描述日志、采集、抽取规则、存储、归档和http服务，Load之后补默认值并校验

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dszqbsm/policedata/archive"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/limiter"
	"github.com/dszqbsm/policedata/parse"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Source  string        `yaml:"source"` // 检查点名字，同一数据源的多次运行共用
	Fetcher FetcherConfig `yaml:"fetcher"`
	Schema  parse.Schema  `yaml:"schema"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Blob    BlobConfig    `yaml:"blob"`
	Archive ArchiveConfig `yaml:"archive"`
	API     APIConfig     `yaml:"api"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
	FetcherArchive = "archive" // 读取整理好的归档csv
)

type FetcherConfig struct {
	Kind           string                `yaml:"kind"`
	URLTemplate    string                `yaml:"url_template"`
	NextSelector   string                `yaml:"next_selector"`
	LastPage       int64                 `yaml:"last_page"`
	AttemptTimeout time.Duration         `yaml:"attempt_timeout"`
	Backoff        collect.Backoff       `yaml:"backoff"`
	Format         collect.Format        `yaml:"format"`
	Proxy          []string              `yaml:"proxy"`
	Cookie         string                `yaml:"cookie"`
	UserAgent      string                `yaml:"user_agent"`
	Limits         []limiter.LimitConfig `yaml:"limits"`
	Browser        BrowserConfig         `yaml:"browser"`
}

type BrowserConfig struct {
	RemoteURL    string        `yaml:"remote_url"`
	Headless     bool          `yaml:"headless"`
	Stealth      bool          `yaml:"stealth"`
	WaitSelector string        `yaml:"wait_selector"`
	Settle       time.Duration `yaml:"settle"`
}

type EngineConfig struct {
	StartCursor  int64 `yaml:"start_cursor"`
	BatchPages   int   `yaml:"batch_pages"`
	StopOnEmpty  *bool `yaml:"stop_on_empty"`
	ArchivePages bool  `yaml:"archive_pages"` // 原始页面写入blob
}

const (
	StoreMySQL    = "mysql"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreBigQuery = "bigquery"
	StoreMemory   = "memory"
)

type StorageConfig struct {
	Kind            string          `yaml:"kind"`
	DSN             string          `yaml:"dsn"`
	CheckpointTable string          `yaml:"checkpoint_table"`
	BatchCount      int             `yaml:"batch_count"`
	MaxConns        int32           `yaml:"max_conns"`
	Backoff         collect.Backoff `yaml:"backoff"`
	Geo             GeoConfig       `yaml:"geo"`
	BigQuery        BigQueryConfig  `yaml:"bigquery"`
}

// 经纬度字段名，配置后postgres/bigquery维护geo_point列
type GeoConfig struct {
	Longitude string `yaml:"longitude"`
	Latitude  string `yaml:"latitude"`
}

func (g GeoConfig) Enabled() bool {
	return g.Longitude != "" && g.Latitude != ""
}

type BigQueryConfig struct {
	Project  string `yaml:"project"`
	Dataset  string `yaml:"dataset"`
	Location string `yaml:"location"`
}

const (
	BlobGCS = "gcs"
	BlobDir = "dir"
)

type BlobConfig struct {
	Kind   string `yaml:"kind"`
	Bucket string `yaml:"bucket"`
	Dir    string `yaml:"dir"`
}

type Force struct {
	ID     string `yaml:"id"`
	Active bool   `yaml:"active"`
}

type ArchiveConfig struct {
	BaseURL         string        `yaml:"base_url"`
	DownloadDir     string        `yaml:"download_dir"`
	ExtractDir      string        `yaml:"extract_dir"`
	CleanDir        string        `yaml:"clean_dir"`
	Start           string        `yaml:"start"`
	End             string        `yaml:"end"`
	Forces          []Force       `yaml:"forces"`
	Regions         []string      `yaml:"regions"`
	RemoteURL       string        `yaml:"remote_url"`
	Headless        bool          `yaml:"headless"`
	ButtonTimeout   time.Duration `yaml:"button_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// 全部警队的配置顺序，决定归档游标里的区域序号
func (a ArchiveConfig) ForceIDs() []string {
	ids := make([]string, 0, len(a.Forces))
	for _, f := range a.Forces {
		ids = append(ids, f.ID)
	}
	return ids
}

// 勾选为active的警队
func (a ArchiveConfig) ActiveForces() []string {
	var ids []string
	for _, f := range a.Forces {
		if f.Active {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

type APIConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	NearbyLimit  int           `yaml:"nearby_limit"`
	Token        string        `yaml:"token"` // 为空时POST /runs不校验
}

// 读取并解析配置文件
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

/*
输入yaml内容，输出补齐默认值并校验过的配置和错误

未知字段直接报错，避免拼错的键被悄悄忽略
*/
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Source == "" {
		c.Source = c.Schema.Name
	}

	f := &c.Fetcher
	if f.Kind == "" {
		f.Kind = FetcherHTTP
	}
	if f.AttemptTimeout <= 0 {
		f.AttemptTimeout = 30 * time.Second
	}
	f.Backoff = withDefaults(f.Backoff)
	if f.Format == "" {
		f.Format = collect.FormatHTML
		if f.Kind == FetcherArchive {
			f.Format = collect.FormatCSV
		}
	}

	if c.Engine.StartCursor <= 0 {
		c.Engine.StartCursor = 1
	}
	if c.Engine.BatchPages <= 0 {
		c.Engine.BatchPages = 1
	}
	if c.Engine.StopOnEmpty == nil {
		stop := true
		c.Engine.StopOnEmpty = &stop
	}

	s := &c.Storage
	if s.Kind == "" {
		s.Kind = StoreMemory
	}
	if s.CheckpointTable == "" {
		s.CheckpointTable = "police_checkpoints"
	}
	if s.BatchCount <= 0 {
		s.BatchCount = 500
	}
	if s.MaxConns <= 0 {
		s.MaxConns = 4
	}
	s.Backoff = withDefaults(s.Backoff)

	a := &c.Archive
	if a.BaseURL == "" {
		a.BaseURL = archive.DefaultBaseURL
	}
	if a.DownloadDir == "" {
		a.DownloadDir = "data/police_data_raw"
	}
	if a.ExtractDir == "" {
		a.ExtractDir = "data/police_data_extracted"
	}
	if a.CleanDir == "" {
		a.CleanDir = "data/police_data_cleaned"
	}
	if a.ButtonTimeout <= 0 {
		a.ButtonTimeout = 30 * time.Second
	}
	if a.DownloadTimeout <= 0 {
		a.DownloadTimeout = 60 * time.Second
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 10 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.NearbyLimit <= 0 {
		c.API.NearbyLimit = 100
	}
}

func withDefaults(b collect.Backoff) collect.Backoff {
	d := collect.DefaultBackoff()
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	return b
}

func (c *Config) Validate() error {
	if err := c.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if c.Source == "" {
		return errors.New("source can not be empty")
	}

	switch c.Fetcher.Kind {
	case FetcherHTTP, FetcherBrowser:
		if !strings.Contains(c.Fetcher.URLTemplate, "{page}") {
			return fmt.Errorf("fetcher.url_template %q must contain {page}", c.Fetcher.URLTemplate)
		}
	case FetcherArchive:
	default:
		return fmt.Errorf("unknown fetcher kind %q", c.Fetcher.Kind)
	}
	switch c.Fetcher.Format {
	case collect.FormatHTML, collect.FormatCSV:
	default:
		return fmt.Errorf("unknown fetcher format %q", c.Fetcher.Format)
	}

	switch c.Storage.Kind {
	case StoreMySQL, StoreSQLite, StorePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s", c.Storage.Kind)
		}
	case StoreBigQuery:
		if c.Storage.BigQuery.Project == "" || c.Storage.BigQuery.Dataset == "" {
			return errors.New("storage.bigquery needs project and dataset")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}
	if g := c.Storage.Geo; g.Longitude != "" || g.Latitude != "" {
		for _, name := range []string{g.Longitude, g.Latitude} {
			i := c.Schema.Index(name)
			if i < 0 {
				return fmt.Errorf("storage.geo field %q is not declared", name)
			}
			if c.Schema.Fields[i].Type != parse.TypeFloat {
				return fmt.Errorf("storage.geo field %q must be float", name)
			}
		}
	}

	switch c.Blob.Kind {
	case "":
		if c.Engine.ArchivePages {
			return errors.New("engine.archive_pages needs a blob store")
		}
	case BlobGCS:
		if c.Blob.Bucket == "" {
			return errors.New("blob.bucket is required for gcs")
		}
	case BlobDir:
		if c.Blob.Dir == "" {
			return errors.New("blob.dir is required for dir")
		}
	default:
		return fmt.Errorf("unknown blob kind %q", c.Blob.Kind)
	}

	if c.Archive.Start != "" || c.Archive.End != "" {
		if _, err := archive.Months(c.Archive.Start, c.Archive.End); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	return nil
}
