package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegistryTime(t *testing.T) {
	want := time.Date(2020, 2, 5, 14, 58, 31, 0, time.FixedZone("", -8*3600))

	for _, value := range []string{
		"2020-02-05 14:58:31-08:00",
		"2020-02-05T14:58:31-08:00",
	} {
		got, err := parseRegistryTime(value)
		require.NoError(t, err, value)
		assert.True(t, got.Equal(want), value)
	}

	_, err := parseRegistryTime("Feb 5 2020")
	assert.Error(t, err)
}

func TestTagListingShape(t *testing.T) {
	// A trimmed `gcloud container images list-tags --format=json` reply.
	payload := []byte(`[
		{"digest": "sha256:aaa", "tags": ["v1"], "timestamp": {"datetime": "2020-02-05 14:58:31-08:00"}},
		{"digest": "sha256:bbb", "timestamp": {"datetime": "2020-03-01 09:00:00-08:00"}}
	]`)

	var result listTagsResult
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Len(t, result, 2)

	assert.Equal(t, "sha256:aaa", result[0].Digest)
	ts, err := parseRegistryTime(result[1].Timestamp.Datetime)
	require.NoError(t, err)
	assert.Equal(t, 2020, ts.Year())
}
