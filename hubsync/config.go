package hubsync

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v2"

	log "github.com/sirupsen/logrus"
)

type DiscoveryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interface string        `yaml:"interface"`
	Service   string        `yaml:"service"`
	Instance  string        `yaml:"instance"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MQTTConfig enables the optional MQTT push source when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Key      string `yaml:"key"`
	ClientID string `yaml:"client_id"`
}

type Config struct {
	APIURL     string `yaml:"api_url"`
	APIToken   string `yaml:"api_token"`
	PushURL    string `yaml:"push_url"`
	ListenAddr string `yaml:"listen_addr"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	EnrichmentTTL  time.Duration `yaml:"enrichment_ttl"`

	// nil means default; an explicit 0 disables retries or reconnects.
	EnrichmentRetries    *uint64 `yaml:"enrichment_retries"`
	MaxReconnectAttempts *int    `yaml:"max_reconnect_attempts"`

	Devices []string `yaml:"devices"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	LogLevel string `yaml:"log_level"`
}

const defaultAPIURL = "http://localhost:5000/api"

func (c *Config) FillDefaults() {
	if c.APIURL == "" && !c.Discovery.Enabled {
		c.APIURL = defaultAPIURL
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":9100"
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Second * 30
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = time.Second * 5
	}

	if c.EnrichmentTTL == 0 {
		c.EnrichmentTTL = time.Second * 10
	}

	if c.EnrichmentRetries == nil {
		retries := uint64(2)
		c.EnrichmentRetries = &retries
	}

	if c.MaxReconnectAttempts == nil {
		attempts := 5
		c.MaxReconnectAttempts = &attempts
	}

	if c.Discovery.Interface == "" {
		c.Discovery.Interface = "eth0"
	}

	if c.Discovery.Service == "" {
		c.Discovery.Service = "_http._tcp"
	}

	if c.Discovery.Instance == "" {
		c.Discovery.Instance = "energyhub"
	}

	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = time.Second * 10
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "hubsync"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ReadConfig parses a YAML config file and fills in defaults. The API
// token can be supplied through HUBSYNC_API_TOKEN instead of the file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cnf Config
	if err := yaml.Unmarshal(data, &cnf); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("HUBSYNC_API_TOKEN"); token != "" {
		cnf.APIToken = token
	}

	cnf.FillDefaults()
	return cnf, nil
}

func LoadHubSync() *HubSync {
	config := os.Getenv("HUBSYNC_CONFIG")
	if config == "" {
		config = "config.yaml"
	}
	fmt.Printf("Using config file: %s\n", config)

	if _, err := os.Stat(config); os.IsNotExist(err) {
		fmt.Printf("Config file %s does not exist\n", config)
		os.Exit(-1)
	}

	cnf, err := ReadConfig(config)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(-1)
	}

	level, err := log.ParseLevel(cnf.LogLevel)
	if err != nil {
		fmt.Printf("Invalid log level %s, using debug\n", cnf.LogLevel)
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cnf.APIURL == "" {
		apiURL, err := DiscoverAPI(context.Background(), cnf.Discovery)
		if err != nil {
			log.Fatalf("API url not set and discovery failed: %v", err)
		}
		cnf.APIURL = apiURL
	}
	log.Infof("Using API at %s", cnf.APIURL)

	pushURL := cnf.PushURL
	if pushURL == "" {
		pushURL, err = PushURL(cnf.APIURL)
		if err != nil {
			log.Fatalf("Cannot derive push url: %v", err)
		}
	}

	hubSync := NewHubSync(cnf, Options{
		API:     NewClient(cnf.APIURL, cnf.APIToken),
		Dialer:  NewWebsocketDialer(),
		PushURL: pushURL,
	})

	return hubSync
}
