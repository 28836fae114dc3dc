package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFileName = "relaycache"
	configFileType = "yaml"
	envPrefix      = "RELAYCACHE"
)

const (
	cfgKeyDataDir       = "data.dir"
	cfgKeyRemoteURL     = "remote.url"
	cfgKeyRemoteToken   = "remote.token"
	cfgKeyRemoteTimeout = "remote.timeout"
	cfgKeyCacheDSN      = "cache.dsn"
	cfgKeyOplogDSN      = "oplog.dsn"
	cfgKeyOplogCapacity = "oplog.capacity"
	cfgKeyMaxAttempts   = "sync.max_attempts"
	cfgKeyConcurrency   = "sync.concurrency"
	cfgKeySyncInterval  = "sync.interval"
	cfgKeyPollInterval  = "connectivity.poll_interval"
	cfgKeyProbeTimeout  = "connectivity.probe_timeout"
	cfgKeyNetlink       = "connectivity.netlink"
	cfgKeyAPIAddr       = "api.addr"
	cfgKeyAPIToken      = "api.token"
	cfgKeyLogFile       = "log.file"
	cfgKeySchemasDir    = "schemas.dir"
)

// flagKeys maps command line flags onto config keys. Flags that are set
// win over the environment and the config file.
var flagKeys = map[string]string{
	"data-dir":      cfgKeyDataDir,
	"remote-url":    cfgKeyRemoteURL,
	"remote-token":  cfgKeyRemoteToken,
	"timeout":       cfgKeyRemoteTimeout,
	"cache-dsn":     cfgKeyCacheDSN,
	"oplog-dsn":     cfgKeyOplogDSN,
	"max-attempts":  cfgKeyMaxAttempts,
	"concurrency":   cfgKeyConcurrency,
	"sync-interval": cfgKeySyncInterval,
	"poll-interval": cfgKeyPollInterval,
	"netlink":       cfgKeyNetlink,
	"addr":          cfgKeyAPIAddr,
	"api-token":     cfgKeyAPIToken,
	"log-file":      cfgKeyLogFile,
	"schemas-dir":   cfgKeySchemasDir,
}

type config struct {
	DataDir       string
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration
	CacheDSN      string
	OplogDSN      string
	OplogCapacity int
	MaxAttempts   int
	Concurrency   int
	SyncInterval  time.Duration
	PollInterval  time.Duration
	ProbeTimeout  time.Duration
	Netlink       bool
	APIAddr       string
	APIToken      string
	LogFile       string
	SchemasDir    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(cfgKeyDataDir, ".relaycache")
	v.SetDefault(cfgKeyRemoteURL, "http://127.0.0.1:8080")
	v.SetDefault(cfgKeyRemoteTimeout, 15*time.Second)
	v.SetDefault(cfgKeyOplogCapacity, 10000)
	v.SetDefault(cfgKeyMaxAttempts, 0)
	v.SetDefault(cfgKeyConcurrency, 1)
	v.SetDefault(cfgKeySyncInterval, time.Minute)
	v.SetDefault(cfgKeyPollInterval, 5*time.Second)
	v.SetDefault(cfgKeyProbeTimeout, 3*time.Second)
	v.SetDefault(cfgKeyNetlink, true)
	v.SetDefault(cfgKeyAPIAddr, "127.0.0.1:7411")
}

// loadConfig layers defaults, relaycache.yaml, RELAYCACHE_* environment
// variables and the flags set on cmd. A missing config file is not an error
// unless configFile names it explicitly.
func loadConfig(cmd *cobra.Command, configFile string) (config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "relaycache"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if cmd != nil {
		for name, key := range flagKeys {
			flag := cmd.Flags().Lookup(name)
			if flag == nil {
				flag = cmd.PersistentFlags().Lookup(name)
			}
			if flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := config{
		DataDir:       strings.TrimSpace(v.GetString(cfgKeyDataDir)),
		RemoteURL:     strings.TrimSpace(v.GetString(cfgKeyRemoteURL)),
		RemoteToken:   strings.TrimSpace(v.GetString(cfgKeyRemoteToken)),
		RemoteTimeout: v.GetDuration(cfgKeyRemoteTimeout),
		CacheDSN:      strings.TrimSpace(v.GetString(cfgKeyCacheDSN)),
		OplogDSN:      strings.TrimSpace(v.GetString(cfgKeyOplogDSN)),
		OplogCapacity: v.GetInt(cfgKeyOplogCapacity),
		MaxAttempts:   v.GetInt(cfgKeyMaxAttempts),
		Concurrency:   v.GetInt(cfgKeyConcurrency),
		SyncInterval:  v.GetDuration(cfgKeySyncInterval),
		PollInterval:  v.GetDuration(cfgKeyPollInterval),
		ProbeTimeout:  v.GetDuration(cfgKeyProbeTimeout),
		Netlink:       v.GetBool(cfgKeyNetlink),
		APIAddr:       strings.TrimSpace(v.GetString(cfgKeyAPIAddr)),
		APIToken:      strings.TrimSpace(v.GetString(cfgKeyAPIToken)),
		LogFile:       strings.TrimSpace(v.GetString(cfgKeyLogFile)),
		SchemasDir:    strings.TrimSpace(v.GetString(cfgKeySchemasDir)),
	}
	if cfg.RemoteURL == "" {
		return config{}, errors.New("remote.url is required")
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 15 * time.Second
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".relaycache"
	}
	return cfg, nil
}

// storageDSNs fills in the local defaults: a sqlite cache and a file
// operation log under the data directory. The file log lets a running
// daemon notice mutations queued by other relaycache processes.
func (c config) storageDSNs() (cacheDSN, oplogDSN string, err error) {
	cacheDSN, oplogDSN = c.CacheDSN, c.OplogDSN
	if cacheDSN != "" && oplogDSN != "" {
		return cacheDSN, oplogDSN, nil
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create data dir: %w", err)
	}
	if cacheDSN == "" {
		cacheDSN = "sqlite:" + filepath.Join(c.DataDir, "relaycache.db")
	}
	if oplogDSN == "" {
		oplogDSN = "file:" + filepath.Join(c.DataDir, "oplog.json")
	}
	return cacheDSN, oplogDSN, nil
}
