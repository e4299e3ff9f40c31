package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Maximum lengths of the text fields that are truncated before insertion.
const (
	MaxDataLength  = 300
	MaxErrorLength = 300
)

// TableName is the relational table rows are inserted into.
const TableName = "packet"

// Row is a radio packet observation destined for the packet table.
// Optional columns are pointers and are written as NULL when absent.
type Row struct {
	ID              int64     `json:"id" db:"id"`
	Date            time.Time `json:"-" db:"date"`
	Topic           *string   `json:"topic" db:"topic"`
	DataCollectorID *int64    `json:"data_collector_id" db:"data_collector_id"`
	OrganizationID  *int64    `json:"organization_id" db:"organization_id"`
	Gateway         *string   `json:"gateway" db:"gateway"`
	Tmst            *int64    `json:"tmst" db:"tmst"`
	Chan            *int16    `json:"chan" db:"chan"`
	Rfch            *int32    `json:"rfch" db:"rfch"`
	Seqn            *int32    `json:"seqn" db:"seqn"`
	Opts            *string   `json:"opts" db:"opts"`
	Port            *int32    `json:"port" db:"port"`
	Freq            *float64  `json:"freq" db:"freq"`
	Stat            *int16    `json:"stat" db:"stat"`
	Modu            *string   `json:"modu" db:"modu"`
	Datr            *string   `json:"datr" db:"datr"`
	Codr            *string   `json:"codr" db:"codr"`
	Lsnr            *float64  `json:"lsnr" db:"lsnr"`
	Rssi            *int32    `json:"rssi" db:"rssi"`
	Size            *int32    `json:"size" db:"size"`
	Data            *string   `json:"data" db:"data"`
	MType           *string   `json:"m_type" db:"m_type"`
	Major           *string   `json:"major" db:"major"`
	MIC             *string   `json:"mic" db:"mic"`
	JoinEUI         *string   `json:"join_eui" db:"join_eui"`
	DevEUI          *string   `json:"dev_eui" db:"dev_eui"`
	DevNonce        *int32    `json:"dev_nonce" db:"dev_nonce"`
	DevAddr         *string   `json:"dev_addr" db:"dev_addr"`
	ADR             *bool     `json:"adr" db:"adr"`
	Ack             *bool     `json:"ack" db:"ack"`
	ADRAckReq       *bool     `json:"adr_ack_req" db:"adr_ack_req"`
	FPending        *bool     `json:"f_pending" db:"f_pending"`
	ClassB          *bool     `json:"class_b" db:"class_b"`
	FCount          *int32    `json:"f_count" db:"f_count"`
	FOpts           *string   `json:"f_opts" db:"f_opts"`
	FPort           *int32    `json:"f_port" db:"f_port"`
	Error           *string   `json:"error" db:"error"`
	Latitude        *float64  `json:"latitude" db:"latitude"`
	Longitude       *float64  `json:"longitude" db:"longitude"`
	Altitude        *float64  `json:"altitude" db:"altitude"`
	AppName         *string   `json:"app_name" db:"app_name"`
	DevName         *string   `json:"dev_name" db:"dev_name"`
	GwName          *string   `json:"gw_name" db:"gw_name"`
}

// ParseRow builds a Row from a packet object. The date field is required; the
// id is left zero for the caller to assign.
func ParseRow(raw json.RawMessage) (*Row, error) {
	row := &Row{}
	aux := struct {
		Date *string `json:"date"`
		*Row
	}{Row: row}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&aux); err != nil {
		return nil, fmt.Errorf("error decoding packet: %w", err)
	}
	if aux.Date == nil || *aux.Date == "" {
		return nil, errors.New("packet date is required")
	}

	date, err := ParseDate(*aux.Date)
	if err != nil {
		return nil, err
	}
	row.Date = date
	row.ID = 0

	return row, nil
}

// Accepted packet date layouts. Timestamps without a zone are taken as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate parses a packet timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized packet date %q", s)
}

// Truncate shortens data and error to their maximum lengths.
func (r *Row) Truncate() {
	r.Data = truncate(r.Data, MaxDataLength)
	r.Error = truncate(r.Error, MaxErrorLength)
}

// truncate cuts s to at most n characters without splitting a multi-byte rune.
func truncate(s *string, n int) *string {
	if s == nil || utf8.RuneCountInString(*s) <= n {
		return s
	}
	runes := []rune(*s)
	cut := string(runes[:n])
	return &cut
}

// Columns returns the packet table column names in insertion order.
func Columns() []string {
	meta := rowMetadata()
	out := make([]string, len(meta.columns))
	copy(out, meta.columns)
	return out
}

// Values returns the row's values in Columns order.
func (r *Row) Values() []any {
	meta := rowMetadata()
	v := reflect.ValueOf(r).Elem()

	values := make([]any, len(meta.columns))
	for i, idx := range meta.fieldIndex {
		values[i] = v.Field(idx).Interface()
	}
	return values
}

// structMetadata holds reflection data computed once for Row.
type structMetadata struct {
	columns    []string // Column names from db tags
	fieldIndex []int    // Field index per column
}

var rowMetadata = sync.OnceValue(func() *structMetadata {
	t := reflect.TypeOf(Row{})
	meta := &structMetadata{}
	for i := 0; i < t.NumField(); i++ {
		col := strings.Split(t.Field(i).Tag.Get("db"), ",")[0]
		if col == "" || col == "-" {
			continue
		}
		meta.columns = append(meta.columns, col)
		meta.fieldIndex = append(meta.fieldIndex, i)
	}
	return meta
})
