package provider

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Get_CaseInsensitive(t *testing.T) {
	reg := NewRegistry(newTestStripe(), newTestPayPal())

	for _, name := range []string{"stripe", "Stripe", "STRIPE"} {
		p, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, "stripe", p.Name())
	}

	p, ok := reg.Get("PayPal")
	require.True(t, ok)
	assert.Equal(t, "paypal", p.Name())
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := NewRegistry(newTestStripe())

	_, ok := reg.Get("braintree")
	assert.False(t, ok)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(
		NewPayPal("s", 0, zerolog.Nop()),
		NewStripe("s", 0, zerolog.Nop()),
	)
	assert.Equal(t, []string{"paypal", "stripe"}, reg.Names())
}
