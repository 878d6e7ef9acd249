/*
Package config loads process configuration from the environment.

A .env file in the working directory is read first when present; variables
already set in the environment win over it. Every setting has a default so
`go run ./cmd/server` works with nothing configured (memory store, dev log).

VARIABLES:
  ENV                     development | production (logger format)
  HTTP_PORT               listen port (8080)
  DB_DRIVER               memory | sqlite | postgres (memory)
  DB_DSN                  sqlite path or postgres DSN (timeshare.db for sqlite)
  PEAK_PERIODS            "MM-DD:MM-DD,..." peak ranges, wrap-around allowed
  PEAK_RESTRICTS_CREDITS  block credit stays that touch a peak range (true)
  SWAP_FEE                flat swap fee, decimal (0)
  CURRENCY                ISO code for fees and prices (USD)
  EXTRA_NIGHT_RATE        price per paid extra night, decimal (0 = extra nights not sold)
  CREDIT_VALIDITY_MONTHS  months a converted credit stays valid (24)
  MATCH_LIMIT             max candidates returned by the matcher (50)
  PMS_TIMEOUT             bound on a single PMS call (10s)
  PAYMENT_TIMEOUT         bound on a single gateway call (15s)
  CORS_ORIGINS            comma separated allowed origins (*)
  SEED_DEMO               load demo weeks, staff and credits at startup (false)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/credits"
	"github.com/warp/timeshare-engine/swap"
	"github.com/warp/timeshare-engine/timeshare"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Environment string
	HTTPPort    int
	DBDriver    string
	DBDSN       string

	PeakPeriods          []availability.PeakRange
	PeakRestrictsCredits bool

	Currency             string
	SwapFee              decimal.Decimal
	ExtraNightRate       decimal.Decimal
	CreditValidityMonths int
	MatchLimit           int

	PMSTimeout     time.Duration
	PaymentTimeout time.Duration

	CORSOrigins []string
	SeedDemo    bool

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	loaded := true
	if err := godotenv.Load(".env"); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		loaded = false
	}
	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.EnvFileLoaded = loaded
	return cfg, nil
}

// FromEnv builds a Config from a lookup function, os.Getenv in production.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		Environment:          p.str("ENV", "development"),
		HTTPPort:             p.integer("HTTP_PORT", 8080),
		DBDriver:             strings.ToLower(p.str("DB_DRIVER", DriverMemory)),
		DBDSN:                p.str("DB_DSN", ""),
		PeakRestrictsCredits: p.boolean("PEAK_RESTRICTS_CREDITS", true),
		Currency:             strings.ToUpper(p.str("CURRENCY", "USD")),
		SwapFee:              p.decimal("SWAP_FEE"),
		ExtraNightRate:       p.decimal("EXTRA_NIGHT_RATE"),
		CreditValidityMonths: p.integer("CREDIT_VALIDITY_MONTHS", 24),
		MatchLimit:           p.integer("MATCH_LIMIT", 50),
		PMSTimeout:           p.duration("PMS_TIMEOUT", 10*time.Second),
		PaymentTimeout:       p.duration("PAYMENT_TIMEOUT", 15*time.Second),
		CORSOrigins:          p.list("CORS_ORIGINS", []string{"*"}),
		SeedDemo:             p.boolean("SEED_DEMO", false),
	}

	peaks, err := availability.ParsePeakRanges(getenv("PEAK_PERIODS"))
	if err != nil {
		p.fail("PEAK_PERIODS", err)
	}
	cfg.PeakPeriods = peaks

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.DBDSN == "" {
			c.DBDSN = "timeshare.db"
		}
	case DriverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("DB_DRIVER %q: want memory, sqlite or postgres", c.DBDriver)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.SwapFee.IsNegative() || c.ExtraNightRate.IsNegative() {
		return errors.New("SWAP_FEE and EXTRA_NIGHT_RATE must not be negative")
	}
	if c.CreditValidityMonths <= 0 {
		return fmt.Errorf("CREDIT_VALIDITY_MONTHS must be positive, got %d", c.CreditValidityMonths)
	}
	if c.MatchLimit <= 0 {
		return fmt.Errorf("MATCH_LIMIT must be positive, got %d", c.MatchLimit)
	}
	return nil
}

// IsProduction selects the production logger.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

func (c *Config) PeakCalendar() *availability.PeakCalendar {
	return availability.NewPeakCalendar(c.PeakPeriods...)
}

func (c *Config) Swap() swap.Config {
	return swap.Config{
		SwapFee:        timeshare.NewMoney(c.SwapFee, c.Currency),
		PaymentTimeout: c.PaymentTimeout,
	}
}

func (c *Config) Credits() credits.Config {
	return credits.Config{
		Currency:             c.Currency,
		CreditValidityMonths: c.CreditValidityMonths,
		PeakRestrictsCredits: c.PeakRestrictsCredits,
		PMSTimeout:           c.PMSTimeout,
		PaymentTimeout:       c.PaymentTimeout,
	}
}

func (c *Config) Pricer() credits.FlatRatePricer {
	return credits.FlatRatePricer{Rate: timeshare.NewMoney(c.ExtraNightRate, c.Currency)}
}

// =============================================================================
// PARSING
// =============================================================================

// parser collects every bad variable so one run reports them all.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d <= 0 {
		p.fail(key, fmt.Errorf("must be positive, got %s", d))
		return def
	}
	return d
}

func (p *parser) decimal(key string) decimal.Decimal {
	v := p.str(key, "")
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.Zero
	}
	return d
}

func (p *parser) list(key string, def []string) []string {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
