// Package config loads the benchmark settings from flags, the environment
// (BCAST_*) and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BCAST"

const (
	KeyArraySize = "array_size"
	KeyRoot      = "root"
	KeyCustom    = "custom"
	KeyDebug     = "debug"
	KeySeed      = "seed"
	KeyRank      = "rank"
	KeyPeers     = "peers"
	KeyTimeout   = "timeout"
	KeyStats     = "stats"
	KeyVerbose   = "verbose"
	KeyReport    = "report"
	KeyTLSCert   = "tls_cert"
	KeyTLSKey    = "tls_key"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrMissingArraySize = errors.New("array_size is required")
	ErrInvalid          = errors.New("invalid configuration")
)

type Config struct {
	ArraySize int
	// Root is the rank that owns the data; an unparsable value becomes 0.
	Root    int
	Custom  bool
	Debug   bool
	Seed    uint64
	Rank    int
	Peers   []string
	Timeout time.Duration
	Stats   bool
	Verbose bool
	// Report is a file the root writes its result to, as YAML.
	Report string
	// TLSCert and TLSKey hold PEM material. The peers use TLS when both are set.
	TLSCert string
	TLSKey  string
}

// AddFlags registers the benchmark flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.Int(KeyArraySize, 0, "number of integers to broadcast (required)")
	fs.String(KeyRoot, "0", "rank of the process owning the data")
	fs.Bool(KeyCustom, false, "use the linear broadcast instead of the library one")
	fs.Bool(KeyDebug, false, "print every process's buffer after the broadcast")
	fs.Uint64(KeySeed, 0, "seed of the root's random data (0 derives it from the clock)")
	fs.Int(KeyRank, 0, "rank of this process")
	fs.String(KeyPeers, "", "comma separated host:port of every rank, in rank order")
	fs.Duration(KeyTimeout, DefaultTimeout, "bound on every blocking operation (0 waits forever)")
	fs.Bool(KeyStats, false, "print the message counters on the root")
	fs.BoolP(KeyVerbose, "v", false, "enable debug logging")
	fs.String(KeyReport, "", "write the root's result as YAML to this file")
}

// New returns a viper instance reading flags, the environment and, when
// cfgFile is not empty, a YAML file. A .env file in the working directory
// is loaded into the environment if present.
func New(flags *pflag.FlagSet, cfgFile string) (*viper.Viper, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyRoot, "0")
	v.SetDefault(KeyTimeout, DefaultTimeout)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

// Load extracts a Config from v. Problems with the root are only warned
// about; everything else is an error.
func Load(v *viper.Viper, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !v.IsSet(KeyArraySize) {
		return Config{}, ErrMissingArraySize
	}
	size, err := strconv.Atoi(strings.TrimSpace(v.GetString(KeyArraySize)))
	if err != nil {
		return Config{}, fmt.Errorf("%w: array_size %q is not an integer", ErrInvalid, v.GetString(KeyArraySize))
	}
	cfg := Config{
		ArraySize: size,
		Root:      parseRoot(v.GetString(KeyRoot), logger),
		Custom:    v.GetBool(KeyCustom),
		Debug:     v.GetBool(KeyDebug),
		Seed:      v.GetUint64(KeySeed),
		Rank:      v.GetInt(KeyRank),
		Peers:     splitPeers(v.GetString(KeyPeers)),
		Timeout:   v.GetDuration(KeyTimeout),
		Stats:     v.GetBool(KeyStats),
		Verbose:   v.GetBool(KeyVerbose),
		Report:    v.GetString(KeyReport),
		TLSCert:   v.GetString(KeyTLSCert),
		TLSKey:    v.GetString(KeyTLSKey),
	}
	return cfg, cfg.Validate()
}

func parseRoot(raw string, logger *slog.Logger) int {
	root, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("invalid root, using 0", "root", raw)
		return 0
	}
	return root
}

func splitPeers(raw string) []string {
	var peers []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// Validate checks what can be checked without knowing the group. The root is
// checked against the group size by the benchmark itself.
func (c Config) Validate() error {
	var errs []error
	if c.ArraySize < 1 {
		errs = append(errs, fmt.Errorf("%w: array_size must be positive, got %d", ErrInvalid, c.ArraySize))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: timeout must not be negative, got %v", ErrInvalid, c.Timeout))
	}
	if len(c.Peers) > 0 && (c.Rank < 0 || c.Rank >= len(c.Peers)) {
		errs = append(errs, fmt.Errorf("%w: rank %d is not in [0, %d)", ErrInvalid, c.Rank, len(c.Peers)))
	}
	if len(c.Peers) == 0 && c.Rank != 0 {
		errs = append(errs, fmt.Errorf("%w: rank %d needs a peer list", ErrInvalid, c.Rank))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Addresses maps every rank to its address, in peer list order.
func (c Config) Addresses() map[int]string {
	addresses := make(map[int]string, len(c.Peers))
	for i, p := range c.Peers {
		addresses[i] = p
	}
	return addresses
}

// UseTLS reports whether certificate material was configured.
func (c Config) UseTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
