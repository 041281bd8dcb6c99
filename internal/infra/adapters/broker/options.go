// Package broker implements the binary-options broker web endpoints: session
// login, profile and balance scraping, order submission and settlement checks,
// historical candles and the quote stream message format.
package broker

import (
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL         string
	streamURL          string
	identifier         string
	loginPath          string
	profilePath        string
	balancePath        string
	switchAccountPath  string
	switchCurrencyPath string
	submitPath         string
	checkPath          string
	historyPath        string
}

var brokerMetadata = metadata{
	apiBaseURL:         "https://intrade.bar",
	streamURL:          "wss://quotes.intrade.bar/ws",
	identifier:         "intrade",
	loginPath:          "/login",
	profilePath:        "/profile",
	balancePath:        "/balance.php",
	switchAccountPath:  "/user_real_trade.php",
	switchCurrencyPath: "/user_currency_edit.php",
	submitPath:         "/ajax5_new.php",
	checkPath:          "/check_deal.php",
	historyPath:        "/api/candles",
}

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultUserAgent   = "optiongate/0.1"
	maxBodyBytes       = 64 << 10
	errorBodyBytes     = 4 << 10
)

// Config captures user-overridable broker settings.
type Config struct {
	Name        string
	BaseURL     string
	StreamURL   string
	HTTPTimeout time.Duration
	UserAgent   string
}

// Options configure the broker client.
type Options struct {
	Config Config

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = brokerMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if base := strings.TrimSpace(in.Config.BaseURL); base != "" {
		in.metadata.apiBaseURL = base
	}
	if stream := strings.TrimSpace(in.Config.StreamURL); stream != "" {
		in.metadata.streamURL = stream
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if strings.TrimSpace(in.Config.UserAgent) == "" {
		in.Config.UserAgent = defaultUserAgent
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// StreamURL returns the configured quote stream endpoint.
func (o Options) StreamURL() string {
	return o.metadata.streamURL
}
