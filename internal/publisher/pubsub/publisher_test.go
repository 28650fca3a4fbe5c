package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
