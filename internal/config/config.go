package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for fundex.
type Config struct {
	Port            int
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MatchingURL       string
	MatchingTimeout   time.Duration
	ExchangeURL       string
	SubmitTimeout     time.Duration
	SubmitConcurrency int
	ReconcileInterval time.Duration

	SentStoreDir      string // empty keeps the sent record in memory
	TermRatesFile     string // empty uses the built-in rate table
	ThresholdMin      decimal.Decimal
	ThresholdMax      decimal.Decimal
	PageSize          int
	MarketMakerTokens []string // nil uses the built-in tokens
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	matchingURL, err := getURL("MATCHING_URL", "http://localhost:8081")
	if err != nil {
		return nil, fmt.Errorf("invalid MATCHING_URL: %w", err)
	}

	matchingTimeout, err := getDuration("MATCHING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid MATCHING_TIMEOUT: %w", err)
	}

	exchangeURL, err := getURL("EXCHANGE_URL", "http://localhost:8082")
	if err != nil {
		return nil, fmt.Errorf("invalid EXCHANGE_URL: %w", err)
	}

	submitTimeout, err := getDuration("SUBMIT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SUBMIT_TIMEOUT: %w", err)
	}

	submitConcurrency, err := getPositiveInt("SUBMIT_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid SUBMIT_CONCURRENCY: %w", err)
	}

	reconcileInterval, err := getDuration("RECONCILE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}

	thresholdMin, err := getDecimal("THRESHOLD_MIN", decimal.RequireFromString("0.1"))
	if err != nil {
		return nil, fmt.Errorf("invalid THRESHOLD_MIN: %w", err)
	}

	thresholdMax, err := getDecimal("THRESHOLD_MAX", decimal.RequireFromString("2.0"))
	if err != nil {
		return nil, fmt.Errorf("invalid THRESHOLD_MAX: %w", err)
	}
	if thresholdMin.GreaterThan(thresholdMax) {
		return nil, fmt.Errorf("invalid threshold band: THRESHOLD_MIN %s is above THRESHOLD_MAX %s", thresholdMin, thresholdMax)
	}

	pageSize, err := getPositiveInt("PAGE_SIZE", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid PAGE_SIZE: %w", err)
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
		MatchingURL:       matchingURL,
		MatchingTimeout:   matchingTimeout,
		ExchangeURL:       exchangeURL,
		SubmitTimeout:     submitTimeout,
		SubmitConcurrency: submitConcurrency,
		ReconcileInterval: reconcileInterval,
		SentStoreDir:      getStr("SENT_STORE_DIR", ""),
		TermRatesFile:     getStr("TERM_RATES_FILE", ""),
		ThresholdMin:      thresholdMin,
		ThresholdMax:      thresholdMax,
		PageSize:          pageSize,
		MarketMakerTokens: getList("MARKET_MAKER_TOKENS"),
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getPositiveInt(key string, defaultVal int) (int, error) {
	n, err := getInt(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func getURL(key, defaultVal string) (string, error) {
	v := strings.TrimRight(getStr(key, defaultVal), "/")
	u, err := url.Parse(v)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%q must be an absolute http(s) URL", v)
	}
	return v, nil
}

// getList splits a comma-separated value, dropping empty items. An unset
// variable yields nil.
func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
