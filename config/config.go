package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App        `json:"app"        toml:"app"`
		Blockchain `json:"blockchain" toml:"blockchain"`
		HTTP       `json:"http"       toml:"http"`
		DB         `json:"db"         toml:"db"`
		Log        `json:"logger"     toml:"logger"`
		Proof      `json:"proof"      toml:"proof"`
		Agent      `json:"agent"      toml:"agent"`
		Workers    `json:"workers"    toml:"workers"`
		Admin      `json:"admin"      toml:"admin"`
		Catalog    `json:"catalog"    toml:"catalog"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	Blockchain struct {
		RPCURL                string `json:"rpc_url"                toml:"rpc_url"                env:"RPC_URL"`
		EscrowContract        string `json:"escrow_contract"        toml:"escrow_contract"        env:"ESCROW_CONTRACT"`
		TokenAddress          string `json:"token_address"          toml:"token_address"          env:"TOKEN_ADDRESS" env-default:"0x55d398326f99059fF775485246999027B3197955"`
		TokenDecimals         int    `json:"token_decimals"         toml:"token_decimals"         env:"TOKEN_DECIMALS" env-default:"18"`
		WalletSeed            string `json:"wallet_seed"            toml:"wallet_seed"            env:"WALLET_SEED"`
		OwnerAccount          uint32 `json:"owner_account"          toml:"owner_account"          env:"OWNER_ACCOUNT" env-default:"0"`
		StartBlock            uint64 `json:"start_block"            toml:"start_block"            env:"START_BLOCK" env-default:"0"`
		PollInterval          int    `json:"poll_interval"          toml:"poll_interval"          env:"POLL_INTERVAL_SECONDS" env-default:"5"`
		MaxBlockRange         uint64 `json:"max_block_range"        toml:"max_block_range"        env:"MAX_BLOCK_RANGE" env-default:"2000"`
		RequiredConfirmations uint64 `json:"required_confirmations" toml:"required_confirmations" env:"REQUIRED_CONFIRMATIONS" env-default:"3"`
		CallTimeout           int    `json:"call_timeout"           toml:"call_timeout"           env:"LEDGER_CALL_TIMEOUT_SECONDS" env-default:"15"`
		ReceiptTimeout        int    `json:"receipt_timeout"        toml:"receipt_timeout"        env:"LEDGER_RECEIPT_TIMEOUT_SECONDS" env-default:"120"`
	}

	HTTP struct {
		Port string `json:"port" toml:"port" env:"HTTP_PORT" env-default:"8080"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-required:"true"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
		MigrationsPath    string `json:"migrations_path"     toml:"migrations_path"     env:"MIGRATIONS_PATH" env-default:"./migrations"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}

	Proof struct {
		Backend          string   `json:"backend"           toml:"backend"           env:"PROOF_BACKEND" env-default:"mock"`
		BaseURL          string   `json:"base_url"          toml:"base_url"          env:"PROOF_BASE_URL"`
		AppID            string   `json:"app_id"            toml:"app_id"            env:"PROOF_APP_ID"`
		AppSecret        string   `json:"app_secret"        toml:"app_secret"        env:"PROOF_APP_SECRET"`
		CallbackURL      string   `json:"callback_url"      toml:"callback_url"      env:"PROOF_CALLBACK_URL"`
		WitnessAddresses []string `json:"witness_addresses" toml:"witness_addresses" env:"PROOF_WITNESS_ADDRESSES" env-separator:","`
		MockSeed         string   `json:"mock_seed"         toml:"mock_seed"         env:"PROOF_MOCK_SEED" env-default:"mock attestor seed"`
		Timeout          int      `json:"timeout"           toml:"timeout"           env:"PROOF_TIMEOUT_SECONDS" env-default:"10"`
	}

	Agent struct {
		URL            string `json:"url"             toml:"url"             env:"AGENT_URL"`
		PublicKey      string `json:"public_key"      toml:"public_key"      env:"AGENT_PUBLIC_KEY"`
		CallbackURL    string `json:"callback_url"    toml:"callback_url"    env:"AGENT_CALLBACK_URL"`
		CallbackSecret string `json:"callback_secret" toml:"callback_secret" env:"AGENT_CALLBACK_SECRET"`
		Timeout        int    `json:"timeout"         toml:"timeout"         env:"AGENT_TIMEOUT_SECONDS" env-default:"15"`
		MaxAttempts    int    `json:"max_attempts"    toml:"max_attempts"    env:"AGENT_MAX_ATTEMPTS" env-default:"4"`
		MaxConcurrent  int    `json:"max_concurrent"  toml:"max_concurrent"  env:"AGENT_MAX_CONCURRENT" env-default:"8"`
	}

	Workers struct {
		StuckAfter         int `json:"stuck_after"          toml:"stuck_after"          env:"STUCK_AFTER_MINUTES" env-default:"60"`
		SweepInterval      int `json:"sweep_interval"       toml:"sweep_interval"       env:"SWEEP_INTERVAL_MINUTES" env-default:"5"`
		ReleaseRetryBudget int `json:"release_retry_budget" toml:"release_retry_budget" env:"RELEASE_RETRY_BUDGET" env-default:"5"`
	}

	Admin struct {
		Token string `json:"token" toml:"token" env:"ADMIN_TOKEN"`
	}

	Catalog struct {
		ProvidersFile string `json:"providers_file" toml:"providers_file" env:"PROVIDERS_FILE"`
	}
)

// LedgerEnabled reports whether an on-chain escrow contract is configured.
func (b Blockchain) LedgerEnabled() bool {
	return b.RPCURL != "" && b.EscrowContract != ""
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		return cfg, nil
	}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	return cfg, nil
}
