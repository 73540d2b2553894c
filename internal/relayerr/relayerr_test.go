package relayerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusPerKind(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, NewNotFound("missing %s", "x").HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, NewRateLimited("slow down").HTTPStatus())
	assert.Equal(t, http.StatusRequestEntityTooLarge, NewPayloadTooLarge("too big").HTTPStatus())
}

func TestToEnvelopeCarriesCodeAndMessage(t *testing.T) {
	var err = NewConflict("share %s is full", "share-1")
	var env = err.ToEnvelope()
	assert.Equal(t, Conflict, env.Error.Code)
	assert.Equal(t, "share share-1 is full", env.Error.Message)
}

func TestAsExtractsWrappedError(t *testing.T) {
	var cause = errors.New("boom")
	var wrapped = Wrap(cause, Unavailable, "store write failed")

	var outer error = wrapped
	re, ok := As(outer)
	require.True(t, ok)
	require.Equal(t, Unavailable, re.Kind)
	assert.ErrorIs(t, outer, cause)
}

func TestAsFailsForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
