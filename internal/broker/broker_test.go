package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

func TestDetectAdapterZerodhaOnAPISecret(t *testing.T) {
	kind, err := DetectAdapter(Credentials{APISecret: "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, AdapterZerodha, kind)
}

func TestDetectAdapterAngelOneOnTOTPTokenWithoutAPISecret(t *testing.T) {
	kind, err := DetectAdapter(Credentials{TOTPToken: "123456"})
	require.NoError(t, err)
	assert.Equal(t, AdapterAngelOne, kind)
}

func TestDetectAdapterPrefersZerodhaWhenBothPresent(t *testing.T) {
	kind, err := DetectAdapter(Credentials{APISecret: "s3cr3t", TOTPToken: "123456"})
	require.NoError(t, err)
	assert.Equal(t, AdapterZerodha, kind)
}

func TestDetectAdapterErrorsOnAmbiguousCredentials(t *testing.T) {
	_, err := DetectAdapter(Credentials{})
	assert.Error(t, err)
}

// stubBroker is a minimal Broker used only to exercise
// CircuitBreakerBroker's passthrough and trip behavior.
type stubBroker struct {
	fail bool
}

func (s *stubBroker) Connect(ctx context.Context) (Session, error) { return Session{}, nil }
func (s *stubBroker) GetSpotPrice(ctx context.Context) (float64, error) {
	if s.fail {
		return 0, errors.New("boom")
	}
	return 22000, nil
}
func (s *stubBroker) GetLTP(ctx context.Context, symbol string) (models.LTP, error) {
	return models.LTP{}, nil
}
func (s *stubBroker) GetFiveMinuteCandle(ctx context.Context, symbol string, t time.Time) (models.OptionBar, error) {
	return models.OptionBar{}, nil
}
func (s *stubBroker) GetOptionsChain(ctx context.Context, expiry string, strikes []int) ([]ChainBar, error) {
	return nil, nil
}
func (s *stubBroker) GetNextExpiry(ctx context.Context) (string, error) { return "", nil }
func (s *stubBroker) IsMarketOpen(ctx context.Context) (bool, error)    { return true, nil }
func (s *stubBroker) WaitUntilNextFiveMinuteBoundary(ctx context.Context) error { return nil }
func (s *stubBroker) Logout(ctx context.Context) error                 { return nil }

func TestCircuitBreakerBrokerPassesThroughOnSuccess(t *testing.T) {
	cb := NewCircuitBreakerBroker(&stubBroker{})
	price, err := cb.GetSpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 22000.0, price)
}

func TestCircuitBreakerBrokerPropagatesUnderlyingError(t *testing.T) {
	cb := NewCircuitBreakerBroker(&stubBroker{fail: true})
	_, err := cb.GetSpotPrice(context.Background())
	assert.Error(t, err)
}
