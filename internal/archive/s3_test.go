package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"analytics-engine/internal/model"
)

func archiveRows() []model.Analytics {
	return []model.Analytics{
		{Type: "user_action", Category: "engagement", Event: "user_action_engagement", Timestamp: time.Unix(1700000000, 0).UTC()},
		{Type: "system", Category: "performance", Event: "system_performance", Timestamp: time.Unix(1700000060, 0).UTC()},
	}
}

func TestEncodeNDJSON_Plain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeNDJSON(&buf, archiveRows(), false))

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var row model.Analytics
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 2, lines)
}

func TestEncodeNDJSON_Gzip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeNDJSON(&buf, archiveRows(), true))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	var rows []model.Analytics
	for scanner.Scan() {
		var row model.Analytics
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, rows, 2)
	require.Equal(t, "user_action", rows[0].Type)
}
