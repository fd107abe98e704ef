// Package tag defines the RFID read event and its on-disk CSV record format.
package tag

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header is the column header written once at the start of every data file.
const Header = "epc,time,rssi,phase,antenna"

// TimeLayout is the record timestamp format (yyyy-MM-dd HH:mm:ss.SSS).
const TimeLayout = "2006-01-02 15:04:05.000"

// Read is a single tag detection reported by a reader antenna.
// Reads are passed by value and never modified after construction.
type Read struct {
	EPC     string    `json:"epc"`
	Time    time.Time `json:"time"`
	RSSI    int       `json:"rssi"`
	Phase   int       `json:"phase"`
	Antenna int       `json:"antenna"`
}

// New builds a Read, truncating the timestamp to millisecond resolution.
func New(epc string, t time.Time, rssi, phase, antenna int) Read {
	return Read{
		EPC:     epc,
		Time:    t.Truncate(time.Millisecond),
		RSSI:    rssi,
		Phase:   phase,
		Antenna: antenna,
	}
}

// Validate checks the invariants a read must hold before it is queued.
func (r Read) Validate() error {
	if r.EPC == "" {
		return errors.New("tag: empty epc")
	}
	if i := nonHex(r.EPC); i >= 0 {
		return fmt.Errorf("tag: epc %q: non-hex character at offset %d", r.EPC, i)
	}
	if r.Antenna <= 0 {
		return fmt.Errorf("tag: epc %s: antenna must be positive, got %d", r.EPC, r.Antenna)
	}
	return nil
}

// nonHex returns the offset of the first byte of s outside [0-9A-Fa-f], or -1.
func nonHex(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return i
		}
	}
	return -1
}

// String renders the read for log output.
func (r Read) String() string {
	return fmt.Sprintf("epc=%s time=%s rssi=%d phase=%d antenna=%d",
		r.EPC, r.Time.Format(TimeLayout), r.RSSI, r.Phase, r.Antenna)
}

// AppendRecord appends the CSV record for r, terminated by a newline, to buf.
// The timestamp is rendered in loc (time.Local when nil).
func AppendRecord(buf []byte, r Read, loc *time.Location) []byte {
	if loc == nil {
		loc = time.Local
	}
	buf = append(buf, r.EPC...)
	buf = append(buf, ',')
	buf = r.Time.In(loc).AppendFormat(buf, TimeLayout)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.RSSI), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.Phase), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(r.Antenna), 10)
	return append(buf, '\n')
}

// ParseRecord parses one data line (without the trailing newline) written by
// AppendRecord. The timestamp is interpreted in loc (time.Local when nil).
func ParseRecord(fields []string, loc *time.Location) (Read, error) {
	if len(fields) != 5 {
		return Read{}, fmt.Errorf("tag.ParseRecord: want 5 fields, got %d", len(fields))
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimeLayout, fields[1], loc)
	if err != nil {
		return Read{}, fmt.Errorf("tag.ParseRecord: time: %w", err)
	}
	nums, err := parseInts(fields[2:])
	if err != nil {
		return Read{}, fmt.Errorf("tag.ParseRecord: %w", err)
	}
	return Read{EPC: fields[0], Time: t, RSSI: nums[0], Phase: nums[1], Antenna: nums[2]}, nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
