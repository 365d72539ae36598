package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"samizdat_mesh/internal/check"
	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/utils"
)

type MainConfig struct {
	NodeAddress      string        `yaml:"node_address" validate:"required,netaddr"`
	Nickname         string        `yaml:"nickname" validate:"max=50"`
	Role             string        `yaml:"role" validate:"oneof=DRIVER PASSENGER NONE"`
	Seats            int           `yaml:"seats" validate:"gte=0,lte=20"`
	MaxWalkingMeters int           `yaml:"max_walking_meters" validate:"gte=0"`
	ListenAddr       string        `yaml:"listen_addr" validate:"required"`
	SocksProxy       string        `yaml:"socks_proxy"`
	OnionPort        int           `yaml:"onion_port" validate:"gt=0,lte=65535"`
	SendTimeout      time.Duration `yaml:"send_timeout" validate:"gt=0"`
	ReadTimeout      time.Duration `yaml:"read_timeout" validate:"gt=0"`
	MaxLineBytes     int           `yaml:"max_line_bytes" validate:"gt=0"`
	SyncInterval     time.Duration `yaml:"sync_interval" validate:"gt=0"`
	OfferCacheSize   int           `yaml:"offer_cache_size" validate:"gt=0"`
	DefaultTTL       int           `yaml:"default_ttl" validate:"gte=60,lte=86400"`
	Peers            []string      `yaml:"peers" validate:"dive,netaddr"`
	LedgerPath       string        `yaml:"ledger_path" validate:"required"`
	KeyPath          string        `yaml:"key_path" validate:"required"`
	RulePath         string        `yaml:"rule_path"`
	APIAddr          string        `yaml:"api_addr"`
	LogPath          string        `yaml:"log_path"`
	LogLevel         string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

func defaultConfig(basePath string) MainConfig {
	return MainConfig{
		Nickname:         "Samizdat",
		Role:             dataType.RoleNone,
		MaxWalkingMeters: 1000,
		ListenAddr:       "127.0.0.1:7070",
		SocksProxy:       "127.0.0.1:9050",
		OnionPort:        80,
		SendTimeout:      30 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxLineBytes:     64 * 1024,
		SyncInterval:     15 * time.Second,
		OfferCacheSize:   50,
		DefaultTTL:       dataType.DefaultTTLSeconds,
		LedgerPath:       filepath.Join(basePath, "data", "ledger"),
		KeyPath:          filepath.Join(basePath, "data", "node.pem"),
		RulePath:         filepath.Join(basePath, "config", "rules"),
		APIAddr:          "127.0.0.1:7071",
		LogPath:          filepath.Join(basePath, "log"),
		LogLevel:         "info",
	}
}

// LoadMainConfig reads <basePath>/config/samizdat.yml over the defaults. When the
// file cannot be read the defaults are returned together with the error.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	cfg := defaultConfig(basePath)
	configPath := filepath.Join(basePath, "config", "samizdat.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		def := defaultConfig(basePath)
		return &def, fmt.Errorf("[ERROR] failed to parse config file %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the value ranges declared on MainConfig. Node and peer
// addresses must be onion addresses.
func (c *MainConfig) Validate() error {
	if err := check.Validator().Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("[ERROR] invalid config field %s: failed %s", ve[0].Field(), ve[0].Tag())
		}
		return fmt.Errorf("[ERROR] invalid config: %w", err)
	}
	return nil
}

// RuleSet stores the inbound rules.
type RuleSet struct {
	LineFlood    *dataType.FloodRule
	EvictSenders []string
	MutedSenders []string
	EvictSources []string
	SourceBlock  *dataType.SourceTrie
}

type ruleSetWrapper struct {
	LineFlood lineFloodWrapper `yaml:"LineFlood"`
}

type lineFloodWrapper struct {
	Rate     string `yaml:"rate"`
	Cooldown string `yaml:"cooldown"`
}

// DefaultRuleSet allows 30 lines per 60 seconds per source.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		LineFlood:   &dataType.FloodRule{Limit: 30, WindowSeconds: 60, CooldownSeconds: 0},
		SourceBlock: dataType.NewSourceTrie(),
	}
}

// LoadRules reads Node.yml and the sender lists from rulePath. Missing files keep
// their defaults.
func LoadRules(rulePath string) (*RuleSet, error) {
	rs := DefaultRuleSet()

	if err := loadNodeRules(filepath.Join(rulePath, "Node.yml"), rs); err != nil {
		return nil, err
	}

	lists := []struct {
		file string
		dst  *[]string
	}{
		{"Sender_EvictList.conf", &rs.EvictSenders},
		{"Sender_MuteList.conf", &rs.MutedSenders},
		{"Source_EvictList.conf", &rs.EvictSources},
	}
	for _, l := range lists {
		entries, err := loadLineList(filepath.Join(rulePath, l.file))
		if err != nil {
			return nil, err
		}
		*l.dst = entries
	}

	// Source_EvictList.conf holds IPs or CIDRs
	for _, entry := range rs.EvictSources {
		ipNet, err := dataType.ParseSourceRule(entry)
		if err != nil {
			return nil, fmt.Errorf("[ERROR] Source_EvictList.conf: %w", err)
		}
		rs.SourceBlock.Insert(ipNet)
	}
	return rs, nil
}

func loadNodeRules(yamlFile string, rs *RuleSet) error {
	data, err := os.ReadFile(yamlFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("[ERROR] failed to read rules file %s: %w", yamlFile, err)
	}

	var wrapper ruleSetWrapper
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("[ERROR] failed to parse rules file %s: %w", yamlFile, err)
	}

	if wrapper.LineFlood.Rate != "" {
		limit, seconds, err := utils.ParseRate(wrapper.LineFlood.Rate)
		if err != nil {
			return fmt.Errorf("[ERROR] LineFlood rate: %w", err)
		}
		rs.LineFlood.Limit = int64(limit)
		rs.LineFlood.WindowSeconds = int64(seconds)
	}
	if wrapper.LineFlood.Cooldown != "" {
		d, err := time.ParseDuration(wrapper.LineFlood.Cooldown)
		if err != nil {
			return fmt.Errorf("[ERROR] LineFlood cooldown: %w", err)
		}
		rs.LineFlood.CooldownSeconds = int64(d / time.Second)
	}
	return nil
}

// loadLineList reads one entry per line, skipping blanks and # comments.
func loadLineList(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
