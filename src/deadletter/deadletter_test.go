package deadletter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLetterMarshalUnmarshalRoundTrip(t *testing.T) {
	original := Letter{
		RemoteAddr: "127.0.0.1:5555",
		Raw:        `{"worker_id":123}`,
		DecodeErr:  "json: cannot unmarshal number into Go struct field Registration.worker_id of type string",
		CapturedAt: time.Now().UTC().Truncate(time.Second),
	}

	payload, err := original.Marshal()
	require.NoError(t, err)

	var decoded Letter
	require.NoError(t, decoded.Unmarshal(payload))
	require.Equal(t, original, decoded)
}
