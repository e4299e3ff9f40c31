package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Sink is a durable destination for named, pre-compacted blobs.
// A failed Put must not leave a partial object visible to readers.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// objectTimeLayout is the timestamp suffix of an object name.
const objectTimeLayout = "2006-01-02 15:04:05"

// ObjectName returns the date-partitioned destination name for a flush of key at ts.
//
//	year=YYYY/month=YYYYMM/day=YYYYMMDD/collector=<key>/messages_collector_<key>_<YYYY-MM-DD HH:MM:SS>.json.gz
func ObjectName(key string, ts time.Time) string {
	return fmt.Sprintf("year=%04d/month=%04d%02d/day=%04d%02d%02d/collector=%s/messages_collector_%s_%s.json.gz",
		ts.Year(),
		ts.Year(), int(ts.Month()),
		ts.Year(), int(ts.Month()), ts.Day(),
		key,
		key, ts.Format(objectTimeLayout),
	)
}

// EncodeNDJSONGzip serializes records as newline-delimited JSON and gzip-compresses
// the whole stream.
func EncodeNDJSONGzip[R any](records []R) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		// Encode terminates each document with a newline.
		if err := enc.Encode(r); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("error encoding record %d: %w", i, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
