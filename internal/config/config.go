package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type ChainConfig struct {
	RPCURL              string
	WSURL               string
	Commitment          rpc.CommitmentType
	PreflightCommitment rpc.CommitmentType
	MaxRetries          *uint
	ConfirmTimeout      time.Duration
}

type VaultConfig struct {
	ProgramID solana.PublicKey
	Mint      solana.PublicKey
}

// ProgramConfigured is false while the program id is still the system
// program placeholder.
func (c VaultConfig) ProgramConfigured() bool {
	return !c.ProgramID.Equals(solana.SystemProgramID)
}

type PositionStoreConfig struct {
	DBDSN       string
	FallbackDir string
}

// RemoteConfigured rejects empty and template DSNs so that a copied example
// .env selects the local fallback instead of failing to connect.
func (c PositionStoreConfig) RemoteConfigured() bool {
	dsn := strings.ToLower(strings.TrimSpace(c.DBDSN))
	if dsn == "" {
		return false
	}
	for _, marker := range []string{"your-", "your_", "placeholder", "changeme", "<"} {
		if strings.Contains(dsn, marker) {
			return false
		}
	}
	return true
}

type APIServerConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	SignTimeout    time.Duration
	Chain          ChainConfig
	Vault          VaultConfig
	Positions      PositionStoreConfig
	Log            LogConfig
}

type AdminConfig struct {
	KeypairPath string
	Chain       ChainConfig
	Vault       VaultConfig
	Positions   PositionStoreConfig
	Log         LogConfig
}

const (
	defaultRPCURL    = "https://api.devnet.solana.com"
	defaultProgramID = "11111111111111111111111111111111"
	// Devnet USDC.
	defaultMint = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, err
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	signTimeout, err := envDuration("API_SERVER_SIGN_TIMEOUT", 2*time.Minute)
	if err != nil {
		return APIServerConfig{}, err
	}

	chain, err := loadChainConfig()
	if err != nil {
		return APIServerConfig{}, err
	}
	vault, err := loadVaultConfig()
	if err != nil {
		return APIServerConfig{}, err
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return APIServerConfig{
		ListenAddr:     envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		AllowedOrigins: allowedOrigins,
		SignTimeout:    signTimeout,
		Chain:          chain,
		Vault:          vault,
		Positions:      loadPositionStoreConfig(),
		Log:            buildLogConfig("API_SERVER", "api-server"),
	}, nil
}

func LoadAdminConfig() (AdminConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return AdminConfig{}, err
	}

	keypairPath := envOrDefault("VAULT_ADMIN_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return AdminConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	chain, err := loadChainConfig()
	if err != nil {
		return AdminConfig{}, err
	}
	vault, err := loadVaultConfig()
	if err != nil {
		return AdminConfig{}, err
	}

	return AdminConfig{
		KeypairPath: expandedKeypair,
		Chain:       chain,
		Vault:       vault,
		Positions:   loadPositionStoreConfig(),
		Log:         buildLogConfig("VAULT_ADMIN", "vault-admin"),
	}, nil
}

func loadChainConfig() (ChainConfig, error) {
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ChainConfig{}, err
	}
	preflight, err := envCommitment("SOLANA_PREFLIGHT_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ChainConfig{}, err
	}
	maxRetries, err := envOptionalUint("SOLANA_MAX_RETRIES")
	if err != nil {
		return ChainConfig{}, err
	}
	confirmTimeout, err := envDuration("SOLANA_CONFIRM_TIMEOUT", 90*time.Second)
	if err != nil {
		return ChainConfig{}, err
	}

	rpcURL := envOrDefault("SOLANA_RPC_URL", defaultRPCURL)
	wsURL := envOrDefault("SOLANA_WS_URL", "")
	if wsURL == "" {
		wsURL, err = websocketURLFor(rpcURL)
		if err != nil {
			return ChainConfig{}, fmt.Errorf("derive SOLANA_WS_URL: %w", err)
		}
	}

	return ChainConfig{
		RPCURL:              rpcURL,
		WSURL:               wsURL,
		Commitment:          commitment,
		PreflightCommitment: preflight,
		MaxRetries:          maxRetries,
		ConfirmTimeout:      confirmTimeout,
	}, nil
}

func loadVaultConfig() (VaultConfig, error) {
	programID, err := envPubkey("VAULT_PROGRAM_ID", solana.MustPublicKeyFromBase58(defaultProgramID))
	if err != nil {
		return VaultConfig{}, err
	}
	mint, err := envPubkey("USDC_MINT", solana.MustPublicKeyFromBase58(defaultMint))
	if err != nil {
		return VaultConfig{}, err
	}
	return VaultConfig{ProgramID: programID, Mint: mint}, nil
}

func loadPositionStoreConfig() PositionStoreConfig {
	return PositionStoreConfig{
		DBDSN:       envOrDefault("POSITIONS_DB_DSN", ""),
		FallbackDir: envOrDefault("POSITIONS_FALLBACK_DIR", filepath.Join(".local", "positions")),
	}
}

// websocketURLFor maps an RPC endpoint to its pubsub endpoint. A local
// validator serves pubsub on the RPC port + 1.
func websocketURLFor(rpcURL string) (string, error) {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", parsed.Scheme)
	}
	if port := parsed.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("invalid rpc url port %q: %w", port, err)
		}
		parsed.Host = net.JoinHostPort(parsed.Hostname(), strconv.Itoa(n+1))
	}
	return parsed.String(), nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".local", "log", serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		flattened, err := parseConfigDocument(body)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

// parseConfigDocument turns nested YAML into the env key space:
// solana: {rpc_url: x} becomes SOLANA_RPC_URL=x.
func parseConfigDocument(body []byte) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	flattened, err := flattenConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	return flattened, nil
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}

func maybeUseLocalSecretKeypair(current string) string {
	expandedCurrent, err := expandHomePath(current)
	if err != nil {
		return current
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return current
	}
	defaultHomePath := filepath.Join(homeDir, ".config", "solana", "id.json")
	if filepath.Clean(expandedCurrent) != filepath.Clean(defaultHomePath) {
		return current
	}

	for _, candidate := range []string{
		"../.local/secret/vault-admin.json",
		".local/secret/vault-admin.json",
	} {
		absoluteCandidate, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(absoluteCandidate)
		if err != nil || info.IsDir() {
			continue
		}
		return absoluteCandidate
	}

	return current
}
