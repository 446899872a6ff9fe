// Package broker defines the capability interface the strategy runner
// drives live or paper trading through. Core code never sees vendor
// types; each adapter translates its own REST/WS payloads into the
// shapes declared here (spec §4.7).
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// ErrNotConnected is returned by calls made before Connect succeeds.
var ErrNotConnected = errors.New("broker: not connected")

// Session is the opaque handle returned by Connect; adapters embed
// whatever vendor session token they need behind it.
type Session struct {
	ID        string
	ExpiresAt time.Time
}

// Broker is the uniform capability surface both adapters satisfy (spec
// §4.7). All methods take a context so the runner's per-call deadline
// (spec §5, default 10s) and cancellation token apply uniformly.
type Broker interface {
	Connect(ctx context.Context) (Session, error)
	GetSpotPrice(ctx context.Context) (float64, error)
	GetLTP(ctx context.Context, symbol string) (models.LTP, error)
	GetFiveMinuteCandle(ctx context.Context, symbol string, rangeEndingNow time.Time) (models.OptionBar, error)
	GetOptionsChain(ctx context.Context, expiry string, strikes []int) ([]ChainBar, error)
	GetNextExpiry(ctx context.Context) (string, error)
	IsMarketOpen(ctx context.Context) (bool, error)
	WaitUntilNextFiveMinuteBoundary(ctx context.Context) error
	Logout(ctx context.Context) error
}

// ChainBar pairs an OptionKey with its bar, as returned by a full
// options-chain fetch (spec §4.7 getOptionsChain: "list<OptionBar-with-OI>").
type ChainBar struct {
	Key models.OptionKey
	Bar models.OptionBar
}

// Credentials is the generic credential shape both adapters parse from a
// loaded credentials file. Which fields are populated determines which
// adapter auto-detection selects (spec §6).
type Credentials struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	UserID      string `yaml:"user_id"`
	Password    string `yaml:"password"`
	TOTPSecret  string `yaml:"totp_secret"`
	TOTPToken   string `yaml:"totp_token"`
	ClientCode  string `yaml:"client_code"`
}

// AdapterKind names which vendor adapter a Credentials value selects.
type AdapterKind string

const (
	AdapterZerodha  AdapterKind = "zerodha"
	AdapterAngelOne AdapterKind = "angelone"
)

// DetectAdapter implements the auto-detection rule (spec §6): a
// credentials file carrying api_secret selects Zerodha; one carrying
// totp_token but no api_secret selects AngelOne.
func DetectAdapter(c Credentials) (AdapterKind, error) {
	switch {
	case c.APISecret != "":
		return AdapterZerodha, nil
	case c.TOTPToken != "":
		return AdapterAngelOne, nil
	default:
		return "", errors.New("broker: cannot auto-detect adapter from credentials shape")
	}
}
