// Package config loads vault settings from a YAML file or from command-line
// flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/flashvault/internal/domain"
	"github.com/vadiminshakov/flashvault/internal/services/provider"
)

// Oracle sources.
const (
	OracleStatic      = "static"
	OracleBinance     = "binance"
	OracleBybit       = "bybit"
	OracleHyperliquid = "hyperliquid"
)

// Config settings of one vault.
type Config struct {
	Pair             domain.Pair
	ThresholdFactor  decimal.Decimal
	LiquidationBonus decimal.Decimal
	SwitchThreshold  decimal.Decimal
	WhitelistDelay   uint64
	PollInterval     time.Duration
	BlocksPerTick    uint64
	HistoryLimit     int
	EMAPeriod        int

	Oracle      string
	Price       decimal.Decimal
	PriceMaxAge time.Duration

	Active    string
	Providers []Provider

	// FlashLender names the margin provider lending flash loans. Empty
	// disables migration and flash close.
	FlashLender  string
	FlashFeeFlat decimal.Decimal
	FlashFeeBps  decimal.Decimal

	PoolBase  decimal.Decimal
	PoolQuote decimal.Decimal
	PoolFee   decimal.Decimal

	Users []User

	StateDir   string
	JournalDir string
	WebAddr    string
	TLSDomains []string
}

// Provider settings of one simulated backend.
type Provider struct {
	Name         string
	Kind         provider.Kind
	Model        provider.InterestModel
	ExchangeRate decimal.Decimal
	Liquidity    decimal.Decimal
}

// User is a position opened when the simulation starts from scratch.
type User struct {
	Address    string
	Collateral decimal.Decimal
	Borrow     decimal.Decimal
}

// ConfigTmp is the YAML shape of Config. Decimals are strings.
type ConfigTmp struct {
	Pair             string        `yaml:"pair"`
	ThresholdFactor  string        `yaml:"threshold_factor,omitempty"`
	LiquidationBonus string        `yaml:"liquidation_bonus,omitempty"`
	SwitchThreshold  string        `yaml:"switch_threshold,omitempty"`
	WhitelistDelay   uint64        `yaml:"whitelist_delay,omitempty"`
	PollInterval     time.Duration `yaml:"poll_interval,omitempty"`
	BlocksPerTick    uint64        `yaml:"blocks_per_tick,omitempty"`
	HistoryLimit     int           `yaml:"history_limit,omitempty"`
	EMAPeriod        int           `yaml:"ema_period,omitempty"`
	Oracle           string        `yaml:"oracle,omitempty"`
	Price            string        `yaml:"price,omitempty"`
	PriceMaxAge      time.Duration `yaml:"price_max_age,omitempty"`
	Active           string        `yaml:"active,omitempty"`
	Providers        []ProviderTmp `yaml:"providers,omitempty"`
	FlashLender      string        `yaml:"flash_lender,omitempty"`
	FlashFeeFlat     string        `yaml:"flash_fee_flat,omitempty"`
	FlashFeeBps      string        `yaml:"flash_fee_bps,omitempty"`
	PoolBase         string        `yaml:"pool_base,omitempty"`
	PoolQuote        string        `yaml:"pool_quote,omitempty"`
	PoolFee          string        `yaml:"pool_fee,omitempty"`
	Users            []UserTmp     `yaml:"users,omitempty"`
	StateDir         string        `yaml:"state_dir,omitempty"`
	JournalDir       string        `yaml:"journal_dir,omitempty"`
	WebAddr          string        `yaml:"web_addr,omitempty"`
	TLSDomains       []string      `yaml:"tls_domains,omitempty"`
}

// ProviderTmp is the YAML shape of Provider.
type ProviderTmp struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	BaseRate     string `yaml:"base_rate,omitempty"`
	Slope1       string `yaml:"slope1,omitempty"`
	Slope2       string `yaml:"slope2,omitempty"`
	Kink         string `yaml:"kink,omitempty"`
	ExchangeRate string `yaml:"exchange_rate,omitempty"`
	Liquidity    string `yaml:"liquidity,omitempty"`
}

// UserTmp is the YAML shape of User.
type UserTmp struct {
	Address    string `yaml:"address"`
	Collateral string `yaml:"collateral"`
	Borrow     string `yaml:"borrow,omitempty"`
}

// Get reads the configuration from the process arguments.
func Get() ([]Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse reads the configuration from args. With --config the YAML file wins
// and the remaining flags are ignored.
func Parse(fs *flag.FlagSet, args []string) ([]Config, error) {
	path := fs.String("config", "", "path to yaml config")
	pair := fs.String("pair", "ETH_USDC", "vault pair, example: ETH_USDC")
	threshold := fs.String("threshold", "0.8", "collateral threshold factor, example: 0.8")
	bonus := fs.String("bonus", "0.05", "liquidation bonus, example: 0.05")
	switchThreshold := fs.String("switch", "0.005", "minimum APR improvement that triggers a migration")
	delay := fs.Uint64("whitelistdelay", 0, "blocks between a whitelist request and its activation")
	poll := fs.Duration("pollinterval", time.Minute, "rebalance evaluation interval")
	oracle := fs.String("oracle", OracleStatic, "price source: static, binance, bybit, hyperliquid")
	price := fs.String("price", "2000", "price used by the static oracle")
	web := fs.String("web", ":8080", "monitoring http address, empty disables it")
	fs.Bool("setup", false, "run the interactive config wizard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path != "" {
		return getYaml(*path)
	}

	c := ConfigTmp{
		Pair:             *pair,
		ThresholdFactor:  *threshold,
		LiquidationBonus: *bonus,
		SwitchThreshold:  *switchThreshold,
		WhitelistDelay:   *delay,
		PollInterval:     *poll,
		Oracle:           *oracle,
		Price:            *price,
		WebAddr:          *web,
	}
	conf, err := c.toConfig()
	if err != nil {
		return nil, err
	}
	return []Config{conf}, nil
}

func getYaml(path string) ([]Config, error) {
	var configsTmp []ConfigTmp

	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(f, &configsTmp); err != nil {
		return nil, err
	}
	if len(configsTmp) == 0 {
		return nil, fmt.Errorf("yaml config %s has no vaults", path)
	}

	configs := make([]Config, 0, len(configsTmp))
	seen := make(map[string]struct{}, len(configsTmp))
	for _, c := range configsTmp {
		conf, err := c.toConfig()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[conf.Pair.String()]; dup {
			return nil, fmt.Errorf("pair %s configured twice", conf.Pair)
		}
		seen[conf.Pair.String()] = struct{}{}
		configs = append(configs, conf)
	}
	return configs, nil
}

// Marshal renders configs as YAML accepted by --config.
func Marshal(configs []ConfigTmp) ([]byte, error) {
	return yaml.Marshal(configs)
}

func (c ConfigTmp) toConfig() (Config, error) {
	pair, err := domain.ParsePair(c.Pair)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'pair' param in yaml config: %s, error: %w", c.Pair, err)
	}

	conf := Config{
		Pair:           pair,
		WhitelistDelay: c.WhitelistDelay,
		PollInterval:   orDuration(c.PollInterval, time.Minute),
		BlocksPerTick:  c.BlocksPerTick,
		HistoryLimit:   c.HistoryLimit,
		EMAPeriod:      c.EMAPeriod,
		Oracle:         c.Oracle,
		PriceMaxAge:    orDuration(c.PriceMaxAge, 5*time.Minute),
		Active:         c.Active,
		FlashLender:    c.FlashLender,
		StateDir:       c.StateDir,
		JournalDir:     c.JournalDir,
		WebAddr:        c.WebAddr,
		TLSDomains:     c.TLSDomains,
	}
	if conf.BlocksPerTick == 0 {
		conf.BlocksPerTick = uint64(conf.PollInterval / (12 * time.Second))
		if conf.BlocksPerTick == 0 {
			conf.BlocksPerTick = 1
		}
	}
	if conf.HistoryLimit == 0 {
		conf.HistoryLimit = 500
	}
	if conf.EMAPeriod == 0 {
		conf.EMAPeriod = 10
	}
	if conf.Oracle == "" {
		conf.Oracle = OracleStatic
	}

	decimals := []struct {
		name string
		raw  string
		def  string
		dst  *decimal.Decimal
	}{
		{"threshold_factor", c.ThresholdFactor, "0.8", &conf.ThresholdFactor},
		{"liquidation_bonus", c.LiquidationBonus, "0.05", &conf.LiquidationBonus},
		{"switch_threshold", c.SwitchThreshold, "0.005", &conf.SwitchThreshold},
		{"price", c.Price, "2000", &conf.Price},
		{"flash_fee_flat", c.FlashFeeFlat, "0", &conf.FlashFeeFlat},
		{"flash_fee_bps", c.FlashFeeBps, "9", &conf.FlashFeeBps},
		{"pool_base", c.PoolBase, "1000", &conf.PoolBase},
		{"pool_quote", c.PoolQuote, "", &conf.PoolQuote},
		{"pool_fee", c.PoolFee, "0.003", &conf.PoolFee},
	}
	for _, d := range decimals {
		if *d.dst, err = parseDecimal(d.name, d.raw, d.def); err != nil {
			return Config{}, err
		}
	}
	// pool quote reserves default to the static price
	if c.PoolQuote == "" {
		conf.PoolQuote = conf.PoolBase.Mul(conf.Price)
	}

	providersTmp := c.Providers
	if len(providersTmp) == 0 {
		providersTmp = DefaultProviders()
	}
	for _, p := range providersTmp {
		prov, err := p.toProvider()
		if err != nil {
			return Config{}, err
		}
		conf.Providers = append(conf.Providers, prov)
	}
	if conf.Active == "" {
		conf.Active = conf.Providers[0].Name
	}
	if conf.FlashLender == "" {
		for _, p := range conf.Providers {
			if p.Kind == provider.KindMargin {
				conf.FlashLender = p.Name
				break
			}
		}
	}

	for _, u := range c.Users {
		user, err := u.toUser()
		if err != nil {
			return Config{}, err
		}
		conf.Users = append(conf.Users, user)
	}

	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (p ProviderTmp) toProvider() (Provider, error) {
	prov := Provider{Name: p.Name, Kind: provider.Kind(p.Kind)}
	if prov.Name == "" {
		return Provider{}, fmt.Errorf("provider name is required")
	}
	if !prov.Kind.IsValid() {
		return Provider{}, fmt.Errorf("incorrect 'kind' param of provider %s: %q", p.Name, p.Kind)
	}

	fields := []struct {
		name string
		raw  string
		def  string
		dst  *decimal.Decimal
	}{
		{"base_rate", p.BaseRate, "0", &prov.Model.BaseRate},
		{"slope1", p.Slope1, "0", &prov.Model.Slope1},
		{"slope2", p.Slope2, "0", &prov.Model.Slope2},
		{"kink", p.Kink, "0", &prov.Model.Kink},
		{"exchange_rate", p.ExchangeRate, "0", &prov.ExchangeRate},
		{"liquidity", p.Liquidity, "0", &prov.Liquidity},
	}
	for _, f := range fields {
		v, err := parseDecimal(f.name, f.raw, f.def)
		if err != nil {
			return Provider{}, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		if v.IsNegative() {
			return Provider{}, fmt.Errorf("provider %s: '%s' must not be negative", p.Name, f.name)
		}
		*f.dst = v
	}
	if prov.Kind == provider.KindCompound && prov.ExchangeRate.IsZero() {
		prov.ExchangeRate = decimal.NewFromInt(1)
	}
	return prov, nil
}

func (u UserTmp) toUser() (User, error) {
	collateral, err := parseDecimal("collateral", u.Collateral, "")
	if err != nil {
		return User{}, fmt.Errorf("user %s: %w", u.Address, err)
	}
	borrow, err := parseDecimal("borrow", u.Borrow, "0")
	if err != nil {
		return User{}, fmt.Errorf("user %s: %w", u.Address, err)
	}
	return User{Address: u.Address, Collateral: collateral, Borrow: borrow}, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if !c.ThresholdFactor.IsPositive() || c.ThresholdFactor.GreaterThanOrEqual(one) {
		return fmt.Errorf("threshold_factor must be in (0, 1), got %s", c.ThresholdFactor)
	}
	if c.LiquidationBonus.IsNegative() || c.LiquidationBonus.GreaterThanOrEqual(one) {
		return fmt.Errorf("liquidation_bonus must be in [0, 1), got %s", c.LiquidationBonus)
	}
	if c.SwitchThreshold.IsNegative() {
		return fmt.Errorf("switch_threshold must not be negative, got %s", c.SwitchThreshold)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	switch c.Oracle {
	case OracleStatic:
		if !c.Price.IsPositive() {
			return fmt.Errorf("static oracle needs a positive price, got %s", c.Price)
		}
	case OracleBinance, OracleBybit, OracleHyperliquid:
	default:
		return fmt.Errorf("unsupported oracle %q", c.Oracle)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	names := make(map[string]provider.Kind, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("provider %s configured twice", p.Name)
		}
		names[p.Name] = p.Kind
	}
	if _, ok := names[c.Active]; !ok {
		return fmt.Errorf("active provider %s is not configured", c.Active)
	}
	if c.FlashLender != "" {
		kind, ok := names[c.FlashLender]
		if !ok {
			return fmt.Errorf("flash lender %s is not configured", c.FlashLender)
		}
		if kind != provider.KindMargin {
			return fmt.Errorf("flash lender %s must be a margin provider, got %s", c.FlashLender, kind)
		}
	}
	if c.PoolFee.IsNegative() || c.PoolFee.GreaterThanOrEqual(one) {
		return fmt.Errorf("pool_fee must be in [0, 1), got %s", c.PoolFee)
	}
	for _, u := range c.Users {
		if !u.Collateral.IsPositive() || u.Borrow.IsNegative() {
			return fmt.Errorf("user %s needs positive collateral and non-negative borrow", u.Address)
		}
	}
	return nil
}

// DefaultProviders is the backend set used when none is configured: two
// rate-elastic markets and a margin market that also lends flash loans.
func DefaultProviders() []ProviderTmp {
	return []ProviderTmp{
		{Name: "aave", Kind: "aave", BaseRate: "0.01", Slope1: "0.04", Slope2: "0.75", Kink: "0.8", Liquidity: "1000000"},
		{Name: "compound", Kind: "compound", BaseRate: "0.02", Slope1: "0.03", Slope2: "0.6", Kink: "0.9", ExchangeRate: "0.02", Liquidity: "1000000"},
		{Name: "margin", Kind: "margin", BaseRate: "0.035", Liquidity: "2000000"},
	}
}

func parseDecimal(name, raw, def string) (decimal.Decimal, error) {
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("'%s' param is required", name)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	return v, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
