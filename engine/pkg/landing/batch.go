package landing

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
)

// HashSeparator joins column values before hashing.
const HashSeparator = "|"

// ErrInvalidBatch reports a submitted batch that is not rectangular or
// repeats a column.
var ErrInvalidBatch = errors.New("invalid batch")

// Batch is a rectangular set of submitted rows. Values may be nil, strings,
// integers, floats, booleans or times.
type Batch struct {
	Columns []string
	Rows    [][]any
}

func (b *Batch) Validate() error {
	seen := make(map[string]bool, len(b.Columns))
	for _, c := range b.Columns {
		name := ident.Normalize(c)
		if seen[name] {
			return fmt.Errorf("%w: duplicate batch column %q", ErrInvalidBatch, c)
		}
		seen[name] = true
	}
	for i, row := range b.Rows {
		if len(row) != len(b.Columns) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrInvalidBatch, i+1, len(row), len(b.Columns))
		}
	}
	return nil
}

// ReadCSV reads a batch from CSV with a header row. Empty fields are NULL.
func ReadCSV(r io.Reader) (*Batch, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: csv input is empty", ErrInvalidBatch)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read csv header: %w", ErrInvalidBatch, err)
	}

	batch := &Batch{Columns: make([]string, len(header))}
	for i, h := range header {
		batch.Columns[i] = strings.TrimSpace(h)
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv: %w", ErrInvalidBatch, err)
		}
		row := make([]any, len(record))
		for i, v := range record {
			if v != "" {
				row[i] = v
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// FormatValue renders a submitted value as landing text. The second result
// is false for NULL.
func FormatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case *string:
		if x == nil {
			return "", false
		}
		return *x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case time.Time:
		x = x.UTC()
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly), true
		}
		return x.Format("2006-01-02 15:04:05.999999999"), true
	case []byte:
		return string(x), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// ContentHash is the hex sha256 of the values joined by HashSeparator, with
// NULL rendered as the empty string.
func ContentHash(values []string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, HashSeparator)))
	return hex.EncodeToString(sum[:])
}
