package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr          string
	DBDSN             string
	RedisURL          string
	JWTIssuer         string
	JWTSecret         string
	JWTTTL            time.Duration
	InternalToken     string
	OperatorTokenHash string
	WebSocketOrigin   string

	ExecutionDelay    time.Duration
	ExecutionInterval time.Duration
	PnLInterval       time.Duration
	RiskInterval      time.Duration
	WorkerHealthTTL   time.Duration
	WorkerBatchLimit  int

	RiskWarningPct   decimal.Decimal
	RiskAutoClosePct decimal.Decimal
	RiskAutoClose    bool

	MarketOpen     string
	MarketClose    string
	MarketTimezone string

	QuoteSeeds    map[string]decimal.Decimal
	QuoteInterval time.Duration
}

func Load() (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	var err error
	c.JWTTTL, err = durationEnv("JWT_TTL", 12*time.Hour)
	if err != nil {
		return c, err
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.OperatorTokenHash = os.Getenv("OPERATOR_TOKEN_HASH")
	if c.OperatorTokenHash == "" {
		missing = append(missing, "OPERATOR_TOKEN_HASH")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")

	c.ExecutionDelay, err = durationEnv("EXECUTION_DELAY", 2*time.Second)
	if err != nil {
		return c, err
	}
	c.ExecutionInterval, err = durationEnv("EXECUTION_INTERVAL", time.Second)
	if err != nil {
		return c, err
	}
	c.PnLInterval, err = durationEnv("PNL_INTERVAL", 5*time.Second)
	if err != nil {
		return c, err
	}
	c.RiskInterval, err = durationEnv("RISK_INTERVAL", 10*time.Second)
	if err != nil {
		return c, err
	}
	c.WorkerHealthTTL, err = durationEnv("WORKER_HEALTH_TTL", 30*time.Second)
	if err != nil {
		return c, err
	}
	c.WorkerBatchLimit, err = intEnv("WORKER_BATCH_LIMIT", 100)
	if err != nil {
		return c, err
	}

	c.RiskWarningPct, err = decimalEnv("RISK_WARNING_PCT", "80")
	if err != nil {
		return c, err
	}
	c.RiskAutoClosePct, err = decimalEnv("RISK_AUTO_CLOSE_PCT", "90")
	if err != nil {
		return c, err
	}
	c.RiskAutoClose = true
	if raw := os.Getenv("RISK_AUTO_CLOSE"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return c, errors.New("invalid RISK_AUTO_CLOSE")
		}
		c.RiskAutoClose = b
	}

	c.MarketOpen = envDefault("MARKET_OPEN", "09:15")
	c.MarketClose = envDefault("MARKET_CLOSE", "15:30")
	c.MarketTimezone = envDefault("MARKET_TZ", "Asia/Kolkata")

	c.QuoteSeeds, err = quoteSeeds(os.Getenv("QUOTE_SEEDS"))
	if err != nil {
		return c, err
	}
	c.QuoteInterval, err = durationEnv("QUOTE_INTERVAL", time.Second)
	if err != nil {
		return c, err
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func decimalEnv(key, def string) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.New("invalid " + key)
	}
	return d, nil
}

// quoteSeeds parses "RELIANCE=2850,TCS=4100" into seed prices.
func quoteSeeds(raw string) (map[string]decimal.Decimal, error) {
	seeds := map[string]decimal.Decimal{
		"RELIANCE": decimal.NewFromInt(2850),
		"TCS":      decimal.NewFromInt(4100),
		"INFY":     decimal.NewFromInt(1550),
		"NIFTY":    decimal.NewFromInt(25000),
	}
	if strings.TrimSpace(raw) == "" {
		return seeds, nil
	}
	seeds = make(map[string]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid QUOTE_SEEDS entry: " + part)
		}
		price, err := decimal.NewFromString(kv[1])
		if err != nil || !price.GreaterThan(decimal.Zero) {
			return nil, errors.New("invalid QUOTE_SEEDS price for " + kv[0])
		}
		seeds[strings.ToUpper(kv[0])] = price
	}
	return seeds, nil
}
