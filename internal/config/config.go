// Package config loads korgalore's TOML configuration, merging the main
// config file with conf.d/*.toml fragments via spf13/viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"korgalore/internal/korgaerr"
)

// TargetConfig is one [targets.<name>] section.
type TargetConfig struct {
	Type string `mapstructure:"type"` // gmail, imap, jmap, maildir, pipe

	Credentials  string `mapstructure:"credentials"`
	Token        string `mapstructure:"token"`
	TokenFile    string `mapstructure:"token_file"`
	Server       string `mapstructure:"server"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	Folder       string `mapstructure:"folder"`
	AuthType     string `mapstructure:"auth_type"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Tenant       string `mapstructure:"tenant"`
	Path         string `mapstructure:"path"`
	Command      string `mapstructure:"command"`
	TimeoutSecs  int    `mapstructure:"timeout"`
}

// FeedConfig is one [feeds.<name>] section.
type FeedConfig struct {
	URL string `mapstructure:"url"` // https://... (archive) or lei:<path> (search)
}

// DeliveryConfig is one [deliveries.<name>] section.
type DeliveryConfig struct {
	Feed      string   `mapstructure:"feed"`
	Target    string   `mapstructure:"target"`
	Labels    []string `mapstructure:"labels"`
	Subfolder string   `mapstructure:"subfolder"`
}

// MainConfig is the [main] section.
type MainConfig struct {
	UserAgentPlus string   `mapstructure:"user_agent_plus"`
	CatchallLists []string `mapstructure:"catchall_lists"`
}

// GUIConfig is the [gui] section.
type GUIConfig struct {
	SyncIntervalSeconds int `mapstructure:"sync_interval"`
}

// SubsystemConfig is the [subsystem] section.
type SubsystemConfig struct {
	Name string `mapstructure:"name"`
}

// Config is the fully loaded, merged configuration.
type Config struct {
	Main       MainConfig                `mapstructure:"main"`
	Targets    map[string]TargetConfig   `mapstructure:"targets"`
	Feeds      map[string]FeedConfig     `mapstructure:"feeds"`
	Deliveries map[string]DeliveryConfig `mapstructure:"deliveries"`
	GUI        GUIConfig                 `mapstructure:"gui"`
	Subsystem  SubsystemConfig           `mapstructure:"subsystem"`
}

// Load reads configPath (a single TOML file) and, if present, every
// *.toml file in a sibling conf.d/ directory in sorted order, merging
// targets/feeds/deliveries keys (later wins per key) and replacing gui
// wholesale on each fragment that sets it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if err := loadMain(v, configPath); err != nil {
		return nil, err
	}

	confD := filepath.Join(filepath.Dir(configPath), "conf.d")
	fragments, err := fragmentFiles(confD)
	if err != nil {
		return nil, err
	}
	for _, f := range fragments {
		if err := mergeFragment(v, f); err != nil {
			return nil, err
		}
	}

	renameLegacySources(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, korgaerr.NewConfiguration("unmarshal merged config", err)
	}
	return &cfg, nil
}

func loadMain(v *viper.Viper, configPath string) error {
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return korgaerr.NewConfiguration(fmt.Sprintf("read config %s", configPath), err)
	}
	return nil
}

func fragmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, korgaerr.NewConfiguration(fmt.Sprintf("list conf.d %s", dir), err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// mergeFragment layers one conf.d/*.toml file's targets/feeds/deliveries
// keys on top of whatever is already loaded.
func mergeFragment(v *viper.Viper, path string) error {
	frag := viper.New()
	frag.SetConfigFile(path)
	frag.SetConfigType("toml")
	if err := frag.ReadInConfig(); err != nil {
		return korgaerr.NewConfiguration(fmt.Sprintf("read conf.d fragment %s", path), err)
	}

	for _, section := range []string{"targets", "feeds", "deliveries", "sources"} {
		sub := frag.GetStringMap(section)
		for key, val := range sub {
			v.Set(fmt.Sprintf("%s.%s", section, key), val)
		}
	}
	if frag.IsSet("gui") {
		v.Set("gui", frag.Get("gui"))
	}
	if frag.IsSet("main") {
		for key, val := range frag.GetStringMap("main") {
			v.Set(fmt.Sprintf("main.%s", key), val)
		}
	}
	if frag.IsSet("subsystem") {
		for key, val := range frag.GetStringMap("subsystem") {
			v.Set(fmt.Sprintf("subsystem.%s", key), val)
		}
	}
	return nil
}

// renameLegacySources copies a top-level "sources" map into "deliveries"
// (deliveries wins on key conflict), matching the source's transparent
// sources→deliveries rename on read.
func renameLegacySources(v *viper.Viper) {
	legacy := v.GetStringMap("sources")
	if len(legacy) == 0 {
		return
	}
	existing := v.GetStringMap("deliveries")
	for key, val := range legacy {
		if _, already := existing[key]; already {
			continue
		}
		v.Set(fmt.Sprintf("deliveries.%s", key), val)
	}
}
