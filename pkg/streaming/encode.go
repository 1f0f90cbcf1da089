package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"

	"adsb-streamer/pkg/models"
)

// encodeRows serializes rows to newline-delimited JSON, one object per line,
// in input order. Row order within a batch is significant to downstream
// consumers; offsets only sequence whole batches. An empty input encodes to
// an empty slice.
func encodeRows(rows []models.Row) ([]byte, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for i, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("row %d is not serializable: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}
