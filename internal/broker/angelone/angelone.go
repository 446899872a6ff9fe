// Package angelone implements the broker.Broker capability interface
// against AngelOne's SmartAPI: TOTP-authenticated session login, an
// instrument-master JSON download at session start, and OI sourced from
// the quote endpoint since AngelOne's candle data omits it (spec §6
// Adapter B).
package angelone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/niftystrike/internal/broker"
	"github.com/eddiefleurent/niftystrike/internal/models"
)

const baseURL = "https://apiconnect.angelone.in"

// Credentials is the subset of broker.Credentials this adapter consumes.
type Credentials struct {
	ClientCode string
	Password   string
	TOTPSecret string
	APIKey     string
}

// instrument is one row of AngelOne's instrument master.
type instrument struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Expiry   string `json:"expiry"`
	Strike   string `json:"strike"`
	Exch     string `json:"exch_seg"`
	InstType string `json:"instrumenttype"`
}

// Adapter implements broker.Broker against SmartAPI.
type Adapter struct {
	creds  Credentials
	logger *logrus.Logger
	http   *http.Client

	mu          sync.RWMutex
	jwtToken    string
	feedToken   string
	instruments map[string]instrument // tradingsymbol -> instrument
}

// New returns an unconnected Adapter.
func New(creds Credentials, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		creds:       creds,
		logger:      logger,
		http:        &http.Client{Timeout: 10 * time.Second},
		instruments: make(map[string]instrument),
	}
}

// Connect logs in with client code, password, and a freshly generated
// TOTP code, then downloads the instrument master (spec §6).
func (a *Adapter) Connect(ctx context.Context) (broker.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	code, err := totp.GenerateCode(a.creds.TOTPSecret, time.Now())
	if err != nil {
		return broker.Session{}, fmt.Errorf("angelone: generating totp code: %w", err)
	}

	body := map[string]string{
		"clientcode": a.creds.ClientCode,
		"password":   a.creds.Password,
		"totp":       code,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return broker.Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/rest/auth/angelbroking/user/v1/loginByPassword",
		jsonReader(payload))
	if err != nil {
		return broker.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PrivateKey", a.creds.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return broker.Session{}, fmt.Errorf("angelone: login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data struct {
			JWTToken  string `json:"jwtToken"`
			FeedToken string `json:"feedToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return broker.Session{}, fmt.Errorf("angelone: decoding login response: %w", err)
	}
	if out.Data.JWTToken == "" {
		return broker.Session{}, fmt.Errorf("angelone: login did not return a jwt token (status %d)", resp.StatusCode)
	}

	a.jwtToken = out.Data.JWTToken
	a.feedToken = out.Data.FeedToken

	if err := a.loadInstrumentMaster(ctx); err != nil {
		a.logger.WithError(err).Warn("angelone: instrument master download failed, symbol lookups will fail")
	}

	return broker.Session{ID: a.jwtToken, ExpiresAt: time.Now().Add(8 * time.Hour)}, nil
}

func jsonReader(b []byte) *jsonBody { return &jsonBody{data: b} }

// jsonBody is a minimal io.Reader over a byte slice, avoiding an extra
// bytes.Reader import purely for a one-line helper.
type jsonBody struct {
	data []byte
	pos  int
}

func (j *jsonBody) Read(p []byte) (int, error) {
	if j.pos >= len(j.data) {
		return 0, io.EOF
	}
	n := copy(p, j.data[j.pos:])
	j.pos += n
	return n, nil
}

func (a *Adapter) loadInstrumentMaster(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var list []instrument
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("angelone: decoding instrument master: %w", err)
	}
	for _, in := range list {
		a.instruments[in.Symbol] = in
	}
	return nil
}

func (a *Adapter) authorize(req *http.Request) {
	a.mu.RLock()
	token := a.jwtToken
	a.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-PrivateKey", a.creds.APIKey)
}

// GetSpotPrice fetches the NIFTY 50 index LTP via the quote endpoint.
func (a *Adapter) GetSpotPrice(ctx context.Context) (float64, error) {
	ltp, err := a.GetLTP(ctx, "NIFTY 50")
	if err != nil {
		return 0, err
	}
	return ltp.Price, nil
}

// GetLTP fetches the last-traded price for symbol via the quote endpoint,
// which is also this adapter's only source of OI (spec §6: "candle data
// lacks OI, OI is fetched via quote endpoint").
func (a *Adapter) GetLTP(ctx context.Context, symbol string) (models.LTP, error) {
	quote, err := a.fetchQuote(ctx, symbol)
	if err != nil {
		return models.LTP{}, err
	}
	return models.LTP{Timestamp: time.Now(), Price: quote.ltp}, nil
}

type quoteResult struct {
	ltp           float64
	openInterest  int64
}

func (a *Adapter) fetchQuote(ctx context.Context, symbol string) (quoteResult, error) {
	a.mu.RLock()
	in, ok := a.instruments[symbol]
	a.mu.RUnlock()
	if !ok {
		return quoteResult{}, fmt.Errorf("angelone: unknown symbol %s, instrument master not loaded", symbol)
	}

	endpoint := baseURL + "/rest/secure/angelbroking/market/v1/quote/" + url.PathEscape(in.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return quoteResult{}, err
	}
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return quoteResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data struct {
			LTP          float64 `json:"ltp"`
			OpenInterest int64   `json:"opnInterest"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return quoteResult{}, fmt.Errorf("angelone: decoding quote: %w", err)
	}
	return quoteResult{ltp: out.Data.LTP, openInterest: out.Data.OpenInterest}, nil
}

// GetFiveMinuteCandle fetches the latest 5-minute candle for symbol. The
// candle endpoint never carries OI; OIChange calls must go through
// fetchQuote separately, which GetOptionsChain does.
func (a *Adapter) GetFiveMinuteCandle(ctx context.Context, symbol string, rangeEndingNow time.Time) (models.OptionBar, error) {
	a.mu.RLock()
	in, ok := a.instruments[symbol]
	a.mu.RUnlock()
	if !ok {
		return models.OptionBar{}, fmt.Errorf("angelone: unknown symbol %s", symbol)
	}

	from := rangeEndingNow.Add(-15 * time.Minute).Format("2006-01-02 15:04")
	to := rangeEndingNow.Format("2006-01-02 15:04")
	body, err := json.Marshal(map[string]string{
		"exchange":    in.Exch,
		"symboltoken": in.Token,
		"interval":    "FIVE_MINUTE",
		"fromdate":    from,
		"todate":      to,
	})
	if err != nil {
		return models.OptionBar{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/rest/secure/angelbroking/historical/v1/getCandleData", jsonReader(body))
	if err != nil {
		return models.OptionBar{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return models.OptionBar{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data [][]interface{} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.OptionBar{}, fmt.Errorf("angelone: decoding candles: %w", err)
	}
	if len(out.Data) == 0 {
		return models.OptionBar{}, fmt.Errorf("angelone: no candles for %s", symbol)
	}
	return parseCandleRow(out.Data[len(out.Data)-1])
}

func parseCandleRow(row []interface{}) (models.OptionBar, error) {
	if len(row) < 6 {
		return models.OptionBar{}, fmt.Errorf("angelone: malformed candle row")
	}
	ts, _ := time.Parse(time.RFC3339, fmt.Sprint(row[0]))
	f := func(v interface{}) float64 {
		n, _ := v.(float64)
		return n
	}
	volume := int64(f(row[5]))
	return models.OptionBar{
		Timestamp: ts,
		Open:      f(row[1]),
		High:      f(row[2]),
		Low:       f(row[3]),
		Close:     f(row[4]),
		Volume:    &volume,
	}, nil
}

// GetOptionsChain fetches a bar plus an OI reading (via the quote
// endpoint) for every (strike, CE/PE) combination at expiry.
func (a *Adapter) GetOptionsChain(ctx context.Context, expiry string, strikes []int) ([]broker.ChainBar, error) {
	var out []broker.ChainBar
	for _, strike := range strikes {
		for _, typ := range []models.OptionType{models.OptionTypeCE, models.OptionTypePE} {
			symbol := fmt.Sprintf("NIFTY%s%d%s", expiry, strike, typ)

			bar, err := a.GetFiveMinuteCandle(ctx, symbol, time.Now())
			if err != nil {
				a.logger.WithError(err).WithField("symbol", symbol).Debug("angelone: chain leg candle unavailable, skipping")
				continue
			}
			quote, err := a.fetchQuote(ctx, symbol)
			if err == nil {
				bar.OpenInterest = &quote.openInterest
			}

			out = append(out, broker.ChainBar{
				Key: models.OptionKey{Strike: strike, Type: typ, Expiry: expiry},
				Bar: bar,
			})
		}
	}
	return out, nil
}

// GetNextExpiry scans the instrument master for the nearest NIFTY option
// expiry, used as the contract-cache fallback (spec §6).
func (a *Adapter) GetNextExpiry(ctx context.Context) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var best string
	for _, in := range a.instruments {
		if in.Name != "NIFTY" || in.Expiry == "" {
			continue
		}
		if best == "" || in.Expiry < best {
			best = in.Expiry
		}
	}
	if best == "" {
		return "", fmt.Errorf("angelone: instrument master has no NIFTY expiries loaded")
	}
	return best, nil
}

// IsMarketOpen reports whether today is a weekday; time of day and
// exchange holidays are not checked.
func (a *Adapter) IsMarketOpen(ctx context.Context) (bool, error) {
	switch time.Now().Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	default:
		return true, nil
	}
}

// WaitUntilNextFiveMinuteBoundary blocks until the wall clock crosses the
// next 5-minute grid line.
func (a *Adapter) WaitUntilNextFiveMinuteBoundary(ctx context.Context) error {
	now := time.Now()
	rem := now.Minute() % 5
	wait := time.Duration(5-rem)*time.Minute - time.Duration(now.Second())*time.Second
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Logout invalidates the session tokens.
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/rest/secure/angelbroking/user/v1/logout", jsonReader([]byte(`{"clientcode":"`+a.creds.ClientCode+`"}`)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// a.mu is held, so the headers are set here rather than through
	// authorize, which would take the read lock.
	req.Header.Set("Authorization", "Bearer "+a.jwtToken)
	req.Header.Set("X-PrivateKey", a.creds.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	a.jwtToken = ""
	a.feedToken = ""
	return nil
}

var _ broker.Broker = (*Adapter)(nil)
