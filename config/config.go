package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes every environment override, e.g. QUOTED_LISTEN_ADDRESS
const EnvPrefix = "QUOTED"

// Duration is a time.Duration that reads and writes as text, e.g. "30m"
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Config is the quoted daemon configuration
type Config struct {
	// ListenAddress is the host:port the HTTP API listens on
	ListenAddress string `envconfig:"LISTEN_ADDRESS"`
	// Datastore is the leveldb directory; empty keeps state in memory
	Datastore string `envconfig:"DATASTORE"`
	LogLevel  string `envconfig:"LOG_LEVEL"`

	// QuoteValidity is how long a quote accepts uploads after creation
	QuoteValidity Duration `envconfig:"QUOTE_VALIDITY"`
	// CallTimeout bounds each relay, handoff and allowance call
	CallTimeout Duration `envconfig:"CALL_TIMEOUT"`

	Relay    RelayConfig     `envconfig:"RELAY"`
	Ledger   LedgerConfig    `envconfig:"LEDGER"`
	Storages []StorageConfig `ignored:"true"`
}

// RelayConfig points at the IPFS node files are staged on
type RelayConfig struct {
	// Endpoint is the add endpoint of the IPFS HTTP API
	Endpoint string `envconfig:"ENDPOINT"`
	// Gateway prefixes public file URLs
	Gateway string `envconfig:"GATEWAY"`
}

// LedgerConfig configures the payment chains
type LedgerConfig struct {
	// DefaultRPCEndpoint serves quotes whose payment method has no endpoint
	DefaultRPCEndpoint string `envconfig:"DEFAULT_RPC_ENDPOINT"`
	// RPCEndpoints maps decimal chain ids to endpoints of new payment methods
	RPCEndpoints   map[string]string `envconfig:"RPC_ENDPOINTS"`
	ReceiptTimeout Duration          `envconfig:"RECEIPT_TIMEOUT"`
	PollInterval   Duration          `envconfig:"POLL_INTERVAL"`
}

// EndpointMap maps chain ids to RPC endpoints. In the environment it is
// written as comma separated chain=url pairs.
type EndpointMap map[string]string

// Decode implements envconfig.Decoder
func (m *EndpointMap) Decode(value string) error {
	out := EndpointMap{}
	for _, pair := range strings.Split(value, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		chain, endpoint, ok := strings.Cut(pair, "=")
		if !ok {
			return xerrors.Errorf("invalid endpoint %q, expected chain=url", pair)
		}
		out[strings.TrimSpace(chain)] = strings.TrimSpace(endpoint)
	}
	*m = out
	return nil
}

// StorageConfig seeds one storage backend at start-up
type StorageConfig struct {
	Type        string
	Description string
	URL         string
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:8000",
		LogLevel:      "info",
		QuoteValidity: Duration(30 * time.Minute),
		CallTimeout:   Duration(5 * time.Minute),
		Relay: RelayConfig{
			Endpoint: "http://127.0.0.1:5001/api/v0/add",
			Gateway:  "https://ipfs.io",
		},
		Ledger: LedgerConfig{
			DefaultRPCEndpoint: "https://rpc-mumbai.maticvigil.com",
			RPCEndpoints:       EndpointMap{},
			ReceiptTimeout:     Duration(2 * time.Minute),
			PollInterval:       Duration(time.Second),
		},
	}
}

// FromFile loads config from path on top of def. A missing file yields def.
func FromFile(path string, def *Config) (*Config, error) {
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return def, nil
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader loads config from a reader on top of def
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	cfg := *def
	cfg.Storages = append([]StorageConfig(nil), def.Storages...)
	cfg.Ledger.RPCEndpoints = make(EndpointMap, len(def.Ledger.RPCEndpoints))
	for chain, endpoint := range def.Ledger.RPCEndpoints {
		cfg.Ledger.RPCEndpoints[chain] = endpoint
	}
	if _, err := toml.NewDecoder(reader).Decode(&cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg from QUOTED_* environment variables
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return xerrors.Errorf("reading environment: %w", err)
	}
	return nil
}

// Load reads path, then applies environment overrides, then validates
func Load(path string) (*Config, error) {
	cfg, err := FromFile(path, Default())
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return xerrors.New("ListenAddress is required")
	}
	if c.QuoteValidity <= 0 {
		return xerrors.Errorf("QuoteValidity must be positive, got %s", time.Duration(c.QuoteValidity))
	}
	seen := map[string]struct{}{}
	for i, s := range c.Storages {
		if s.Type == "" || s.URL == "" {
			return xerrors.Errorf("storage %d needs a Type and a URL", i)
		}
		if _, dup := seen[s.Type]; dup {
			return xerrors.Errorf("storage type %q configured twice", s.Type)
		}
		seen[s.Type] = struct{}{}
	}
	if _, err := c.Ledger.ChainEndpoints(); err != nil {
		return err
	}
	return nil
}

// ChainEndpoints returns RPCEndpoints keyed by numeric chain id
func (l LedgerConfig) ChainEndpoints() (map[uint64]string, error) {
	out := make(map[uint64]string, len(l.RPCEndpoints))
	for chain, endpoint := range l.RPCEndpoints {
		id, err := strconv.ParseUint(chain, 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("RPCEndpoints key %q is not a chain id: %w", chain, err)
		}
		out[id] = endpoint
	}
	return out, nil
}

// ConfigText renders cfg as TOML
func ConfigText(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
