package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/observability"
)

// Session identifies an authenticated broker account.
type Session struct {
	UserID   string
	UserHash string
	Demo     bool
	Currency schema.Currency
}

// Valid reports whether the session carries credentials.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.UserID) != "" && strings.TrimSpace(s.UserHash) != ""
}

func (s Session) form() url.Values {
	form := url.Values{}
	form.Set("user_id", s.UserID)
	form.Set("user_hash", s.UserHash)
	return form
}

// SessionConfig selects the account to trade on.
type SessionConfig struct {
	Email    string
	Password string
	Demo     bool
	Currency schema.Currency
}

// Profile is the account type as reported by the broker.
type Profile struct {
	Demo     bool
	Currency schema.Currency
}

// Login authenticates and returns a session with an unknown account profile.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Session{}, errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage("email and password required"))
	}
	form := url.Values{}
	form.Set("email", strings.TrimSpace(email))
	form.Set("password", password)

	body, err := c.postForm(ctx, "login", c.opts.metadata.loginPath, form)
	if err != nil {
		return Session{}, err
	}
	userID, okID := scrapeAttr(body, "user_id")
	userHash, okHash := scrapeAttr(body, "user_hash")
	if !okID || !okHash || userID == "" || userHash == "" {
		return Session{}, errs.New(c.Name(), errs.CodeAuth,
			errs.WithMessage("credentials rejected"),
			errs.WithRawMessage(body))
	}
	c.logger.Info("broker login succeeded", observability.F("broker", c.Name()), observability.F("user_id", userID))
	return Session{UserID: userID, UserHash: userHash, Demo: false, Currency: ""}, nil
}

// RefreshProfile reads the account type and currency.
func (c *Client) RefreshProfile(ctx context.Context, s Session) (Profile, error) {
	if !s.Valid() {
		return Profile{}, errs.New(c.Name(), errs.CodeAuth, errs.WithCause(errNoSession))
	}
	body, err := c.postForm(ctx, "profile", c.opts.metadata.profilePath, s.form())
	if err != nil {
		return Profile{}, err
	}
	demo, okDemo := scrapeAttr(body, "data-demo")
	currency, okCurrency := scrapeAttr(body, "data-currency")
	if !okDemo || !okCurrency {
		if strings.Contains(strings.ToLower(body), "login") {
			return Profile{}, errs.New(c.Name(), errs.CodeAuth, errs.WithMessage("session expired"))
		}
		return Profile{}, c.protocolError("profile", "missing account markers", body, nil)
	}
	profile := Profile{Demo: demo == "1", Currency: schema.Currency(strings.ToUpper(currency))}
	switch profile.Currency {
	case schema.CurrencyUSD, schema.CurrencyRUB:
	default:
		return Profile{}, c.protocolError("profile", fmt.Sprintf("unknown currency %q", currency), body, nil)
	}
	return profile, nil
}

// RefreshBalance reads the account balance in the account currency.
func (c *Client) RefreshBalance(ctx context.Context, s Session) (float64, error) {
	if !s.Valid() {
		return 0, errs.New(c.Name(), errs.CodeAuth, errs.WithCause(errNoSession))
	}
	body, err := c.postForm(ctx, "balance", c.opts.metadata.balancePath, s.form())
	if err != nil {
		return 0, err
	}
	if hasFailureMarker(body) {
		return 0, c.protocolError("balance", "broker reported an error", body, nil)
	}
	amount, err := parseAmount(body)
	if err != nil {
		return 0, c.protocolError("balance", "unparsable amount", body, err)
	}
	return amount, nil
}

// Connect logs in and switches the account type and currency to match cfg.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	session, err := c.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return Session{}, err
	}
	profile, err := c.RefreshProfile(ctx, session)
	if err != nil {
		return Session{}, fmt.Errorf("read profile: %w", err)
	}

	switched := false
	if profile.Demo != cfg.Demo {
		if _, err := c.postForm(ctx, "switch_account", c.opts.metadata.switchAccountPath, session.form()); err != nil {
			return Session{}, fmt.Errorf("switch account type: %w", err)
		}
		switched = true
	}
	if cfg.Currency != "" && profile.Currency != cfg.Currency {
		if _, err := c.postForm(ctx, "switch_currency", c.opts.metadata.switchCurrencyPath, session.form()); err != nil {
			return Session{}, fmt.Errorf("switch currency: %w", err)
		}
		switched = true
	}
	if switched {
		profile, err = c.RefreshProfile(ctx, session)
		if err != nil {
			return Session{}, fmt.Errorf("read profile after switch: %w", err)
		}
		if profile.Demo != cfg.Demo || (cfg.Currency != "" && profile.Currency != cfg.Currency) {
			return Session{}, errs.New(c.Name(), errs.CodeProtocol,
				errs.WithMessage("account switch not applied"),
				errs.WithField("demo", fmt.Sprint(profile.Demo)),
				errs.WithField("currency", string(profile.Currency)))
		}
	}

	session.Demo = profile.Demo
	session.Currency = profile.Currency
	c.logger.Info("broker session ready",
		observability.F("broker", c.Name()),
		observability.F("demo", session.Demo),
		observability.F("currency", session.Currency))
	return session, nil
}

// parseAmount accepts broker formatted amounts such as "1 250.50" or "1250,5 USD".
func parseAmount(raw string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r == ',':
			return '.'
		default:
			return -1
		}
	}, raw)
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", strings.TrimSpace(raw))
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse amount: %w", err)
	}
	amount, _ := value.Float64()
	return amount, nil
}
