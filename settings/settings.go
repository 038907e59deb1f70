// Package settings loads the configuration of the engine tools from an INI
// file.
package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/inboxengine/attachments/s3urls"
	"github.com/companyzero/inboxengine/engine"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

// Store backends.
const (
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Settings is the collection of all engine settings.
type Settings struct {
	// default section
	Root         string // root dir of the store
	DownloadsDir string // where attachments are assembled

	// store section
	Backend  string
	BoltFile string
	PGConn   string
	PGTable  string

	// engine section
	Workers           int
	MaxMessageAge     time.Duration
	PruneInterval     time.Duration
	SweepInterval     time.Duration
	DropUnprocessable bool
	PrometheusListen  string

	// attachments section
	MaxConcurrentChunks int
	PollInterval        time.Duration
	FetchTimeout        time.Duration

	// s3 section
	S3Enabled     bool
	S3Region      string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Prefix      string
	S3Expiry      time.Duration
	S3CheckExists bool

	// log section
	LogFile     string
	DebugLevel  string
	MaxLogFiles int
}

var (
	errIniNotFound = errors.New("not found")
)

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		Root:         "~/.inboxengine",
		DownloadsDir: "~/.inboxengine/downloads",

		Backend:  BackendLevelDB,
		BoltFile: "~/.inboxengine/engine.bolt",
		PGTable:  "inboxengine_kv",

		Workers:       engine.DefaultWorkers,
		MaxMessageAge: engine.DefaultMaxMessageAge,
		PruneInterval: time.Hour,
		SweepInterval: 10 * time.Minute,

		MaxConcurrentChunks: 4,
		PollInterval:        30 * time.Second,
		FetchTimeout:        time.Minute,

		S3Region: "us-east-1",
		S3Expiry: s3urls.DefaultExpiry,

		LogFile:     "~/.inboxengine/logs/engctl.log",
		DebugLevel:  "info",
		MaxLogFiles: 10,
	}
}

// Load retrieves settings from an ini file. Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	get := func(s *string, section, field string) {
		v, ok := cfg.Get(section, field)
		if ok {
			*s = v
		}
	}
	check := func(err error) error {
		if err != nil && !errors.Is(err, errIniNotFound) {
			return err
		}
		return nil
	}

	get(&s.Root, "", "root")
	get(&s.DownloadsDir, "", "downloadsdir")

	get(&s.Backend, "store", "backend")
	get(&s.BoltFile, "store", "boltfile")
	get(&s.PGConn, "store", "pgconn")
	get(&s.PGTable, "store", "pgtable")
	switch s.Backend {
	case BackendLevelDB, BackendBolt:
	case BackendPostgres:
		if s.PGConn == "" {
			return fmt.Errorf("[store]pgconn is required by the %s backend",
				s.Backend)
		}
	default:
		return fmt.Errorf("unknown [store]backend %q", s.Backend)
	}

	if err := check(iniInt(cfg, &s.Workers, "engine", "workers")); err != nil {
		return err
	}
	if s.Workers < 1 {
		return fmt.Errorf("[engine]workers must be at least 1")
	}
	if err := check(iniDuration(cfg, &s.MaxMessageAge, "engine", "maxmessageage")); err != nil {
		return err
	}
	if err := check(iniDuration(cfg, &s.PruneInterval, "engine", "pruneinterval")); err != nil {
		return err
	}
	if err := check(iniDuration(cfg, &s.SweepInterval, "engine", "sweepinterval")); err != nil {
		return err
	}
	if err := check(iniBool(cfg, &s.DropUnprocessable, "engine", "dropunprocessable")); err != nil {
		return err
	}
	get(&s.PrometheusListen, "engine", "prometheuslisten")

	if err := check(iniInt(cfg, &s.MaxConcurrentChunks, "attachments", "maxconcurrentchunks")); err != nil {
		return err
	}
	if err := check(iniDuration(cfg, &s.PollInterval, "attachments", "pollinterval")); err != nil {
		return err
	}
	if err := check(iniDuration(cfg, &s.FetchTimeout, "attachments", "fetchtimeout")); err != nil {
		return err
	}

	if err := check(iniBool(cfg, &s.S3Enabled, "s3", "enabled")); err != nil {
		return err
	}
	get(&s.S3Region, "s3", "region")
	get(&s.S3Endpoint, "s3", "endpoint")
	get(&s.S3Bucket, "s3", "bucket")
	get(&s.S3AccessKey, "s3", "accesskey")
	get(&s.S3SecretKey, "s3", "secretkey")
	get(&s.S3Prefix, "s3", "prefix")
	if err := check(iniDuration(cfg, &s.S3Expiry, "s3", "expiry")); err != nil {
		return err
	}
	if err := check(iniBool(cfg, &s.S3CheckExists, "s3", "checkexists")); err != nil {
		return err
	}
	if s.S3Enabled && s.S3Bucket == "" {
		return fmt.Errorf("[s3]bucket is required when s3 is enabled")
	}

	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")
	if err := check(iniInt(cfg, &s.MaxLogFiles, "log", "maxlogfiles")); err != nil {
		return err
	}

	return s.ExpandPaths()
}

// ExpandPaths expands ~ in every path setting to the home dir of the user.
func (s *Settings) ExpandPaths() error {
	for _, p := range []*string{&s.Root, &s.DownloadsDir, &s.BoltFile, &s.LogFile} {
		v, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// EngineOptions returns the engine options that correspond to the settings.
func (s *Settings) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithWorkers(s.Workers),
		engine.WithMaxMessageAge(s.MaxMessageAge),
		engine.WithPruneInterval(s.PruneInterval),
		engine.WithSweepInterval(s.SweepInterval),
	}
	if s.DropUnprocessable {
		opts = append(opts, engine.WithDropUnprocessable())
	}
	if s.PrometheusListen != "" {
		opts = append(opts, engine.WithPrometheusListenAddr(s.PrometheusListen))
	}
	return opts
}

// S3Config returns the config of the S3 signed URL provider.
func (s *Settings) S3Config() s3urls.Config {
	return s3urls.Config{
		Region:      s.S3Region,
		Endpoint:    s.S3Endpoint,
		Bucket:      s.S3Bucket,
		AccessKey:   s.S3AccessKey,
		SecretKey:   s.S3SecretKey,
		Prefix:      s.S3Prefix,
		Expiry:      s.S3Expiry,
		CheckExists: s.S3CheckExists,
	}
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return errIniNotFound
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
