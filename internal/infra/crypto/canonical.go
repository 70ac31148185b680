package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalizeJSON re-encodes a JSON document in canonical form: object keys
// sorted at every depth, array order kept, numbers in shortest ECMAScript
// notation and no insignificant whitespace.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	value, err := decodeStrict(input)
	if err != nil {
		return nil, err
	}
	enc := &canonicalEncoder{}
	if err := enc.encode(value); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// CanonicalizeAny canonicalizes a Go value. Values that are not plain JSON
// types (structs, time.Time, typed maps) go through encoding/json first.
func CanonicalizeAny(v any) ([]byte, error) {
	switch value := v.(type) {
	case json.RawMessage:
		return CanonicalizeJSON(value)
	case []byte:
		return CanonicalizeJSON(value)
	}
	enc := &canonicalEncoder{}
	if err := enc.encode(v); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// CanonicalHash returns the lowercase hex SHA-256 of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	canonical, err := CanonicalizeAny(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canonical), nil
}

// SHA256Hex hashes the concatenation of parts.
func SHA256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func decodeStrict(input []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return nil, errors.New("invalid JSON: trailing data")
	}
	return value, nil
}

type canonicalEncoder struct {
	buf bytes.Buffer
}

func (e *canonicalEncoder) encode(value any) error {
	switch v := value.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if v {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		e.writeString(v)
	case json.Number:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return fmt.Errorf("invalid JSON number: %w", err)
		}
		return e.writeNumber(f)
	case float64:
		return e.writeNumber(v)
	case float32:
		return e.writeNumber(float64(v))
	case int:
		return e.writeNumber(float64(v))
	case int32:
		return e.writeNumber(float64(v))
	case int64:
		return e.writeNumber(float64(v))
	case uint:
		return e.writeNumber(float64(v))
	case uint32:
		return e.writeNumber(float64(v))
	case uint64:
		return e.writeNumber(float64(v))
	case map[string]any:
		return e.writeObject(v)
	case []any:
		return e.writeArray(v)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", value, err)
		}
		decoded, err := decodeStrict(raw)
		if err != nil {
			return err
		}
		return e.encode(decoded)
	}
	return nil
}

func (e *canonicalEncoder) writeObject(obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.writeString(k)
		e.buf.WriteByte(':')
		if err := e.encode(obj[k]); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *canonicalEncoder) writeArray(arr []any) error {
	e.buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(item); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

func (e *canonicalEncoder) writeString(s string) {
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			e.buf.WriteByte('\\')
			e.buf.WriteRune(r)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[r>>4])
				e.buf.WriteByte(hexDigits[r&0x0f])
				continue
			}
			e.buf.WriteRune(r)
		}
	}
	e.buf.WriteByte('"')
}

func (e *canonicalEncoder) writeNumber(f float64) error {
	s, err := formatNumber(f)
	if err != nil {
		return err
	}
	e.buf.WriteString(s)
	return nil
}

// formatNumber renders f the way ECMAScript Number.prototype.toString does.
func formatNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", errors.New("invalid JSON number")
	}
	if f == 0 {
		return "0", nil
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, ok := strings.Cut(sci, "e")
	if !ok {
		return "", fmt.Errorf("invalid float format: %q", sci)
	}
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return "", fmt.Errorf("invalid float exponent: %w", err)
	}
	digits := strings.ReplaceAll(mantissa, ".", "")

	if exp <= -7 || exp >= 21 {
		expStr := strconv.Itoa(exp)
		if exp > 0 {
			expStr = "+" + expStr
		}
		if len(digits) == 1 {
			return sign + digits + "e" + expStr, nil
		}
		return sign + digits[:1] + "." + digits[1:] + "e" + expStr, nil
	}

	point := exp + 1
	switch {
	case point >= len(digits):
		return sign + digits + strings.Repeat("0", point-len(digits)), nil
	case point <= 0:
		return sign + "0." + strings.Repeat("0", -point) + digits, nil
	default:
		return sign + digits[:point] + "." + digits[point:], nil
	}
}
