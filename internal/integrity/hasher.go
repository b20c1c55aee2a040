package integrity

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"clocktrust-service/internal/model"
)

// BundleVersion is written into every bundle sealed by this package.
const BundleVersion = "1.0"

const (
	saltLength     = 16
	checksumLength = 16
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrUnsupportedEncoding  = errors.New("unsupported hash encoding")
	ErrUnsupportedPrecision = errors.New("unsupported timestamp precision")
	ErrInvalidSalt          = errors.New("invalid salt")
)

type Algorithm string

const (
	SHA256   Algorithm = "SHA-256"
	SHA512   Algorithm = "SHA-512"
	SHA3_256 Algorithm = "SHA3-256"
	MD5      Algorithm = "MD5" // legacy bundles only
)

type Encoding string

const (
	Hex       Encoding = "hex"
	Base64    Encoding = "base64"
	Base64URL Encoding = "base64url"
)

type Precision string

const (
	Millisecond Precision = "millisecond"
	Second      Precision = "second"
	Minute      Precision = "minute"
)

// Optional field names recorded in IncludedFields.
const (
	FieldLocation = "location"
	FieldDevice   = "device"
	FieldIP       = "ip"
	FieldPhoto    = "photo"
	FieldNFC      = "nfc"
)

type Config struct {
	Algorithm       Algorithm `json:"algorithm"`
	Encoding        Encoding  `json:"encoding"`
	Precision       Precision `json:"precision"`
	IncludeLocation bool      `json:"include_location"`
	IncludeDevice   bool      `json:"include_device"`
	IncludeIP       bool      `json:"include_ip"`
	IncludePhoto    bool      `json:"include_photo"`
	IncludeNFC      bool      `json:"include_nfc"`
}

func DefaultConfig() Config {
	return Config{
		Algorithm:       SHA256,
		Encoding:        Hex,
		Precision:       Second,
		IncludeLocation: true,
		IncludeDevice:   true,
		IncludeIP:       true,
		IncludePhoto:    true,
		IncludeNFC:      true,
	}
}

// Validate reports configuration mistakes. These are programmer errors, not
// verification outcomes.
func (c Config) Validate() error {
	if _, err := newHash(c.Algorithm); err != nil {
		return err
	}
	switch c.Encoding {
	case Hex, Base64, Base64URL:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, c.Encoding)
	}
	if _, err := truncation(c.Precision); err != nil {
		return err
	}
	return nil
}

// Sealer produces integrity bundles. Its clock stamps each bundle.
type Sealer struct {
	now func() time.Time
}

func NewSealer() *Sealer {
	return &Sealer{now: time.Now}
}

// NewSealerWithClock is used where the seal instant must be controlled.
func NewSealerWithClock(now func() time.Time) *Sealer {
	return &Sealer{now: now}
}

// Seal hashes the event with a fresh random salt.
func (s *Sealer) Seal(ev *model.ClockEvent, cfg Config) (*model.IntegrityBundle, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return s.SealWithSalt(ev, hex.EncodeToString(salt), cfg)
}

// SealWithSalt is deterministic for a fixed event, salt, config and clock.
func (s *Sealer) SealWithSalt(ev *model.ClockEvent, salt string, cfg Config) (*model.IntegrityBundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if salt == "" {
		return nil, ErrInvalidSalt
	}
	sealedAt, err := truncate(s.now(), cfg.Precision)
	if err != nil {
		return nil, err
	}
	return compute(ev, salt, sealedAt.UnixMilli(), cfg, cfg.includes)
}

func compute(ev *model.ClockEvent, salt string, stamp int64, cfg Config, include func(string) bool) (*model.IntegrityBundle, error) {
	base, included, err := baseString(ev, salt, cfg.Precision, include)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(stamp, 10)

	sum, err := digest(cfg, base)
	if err != nil {
		return nil, err
	}
	signature, err := digest(cfg, strings.Join([]string{sum, salt, ts}, "|"))
	if err != nil {
		return nil, err
	}
	checksum, err := digest(cfg, strings.Join([]string{sum, signature, ts}, "|"))
	if err != nil {
		return nil, err
	}
	if len(checksum) > checksumLength {
		checksum = checksum[:checksumLength]
	}

	return &model.IntegrityBundle{
		Hash:           sum,
		Salt:           salt,
		Signature:      signature,
		Timestamp:      stamp,
		Version:        BundleVersion,
		IncludedFields: included,
		Checksum:       checksum,
		Algorithm:      string(cfg.Algorithm),
		Encoding:       string(cfg.Encoding),
		Precision:      string(cfg.Precision),
	}, nil
}

func (c Config) includes(field string) bool {
	switch field {
	case FieldLocation:
		return c.IncludeLocation
	case FieldDevice:
		return c.IncludeDevice
	case FieldIP:
		return c.IncludeIP
	case FieldPhoto:
		return c.IncludePhoto
	case FieldNFC:
		return c.IncludeNFC
	}
	return false
}

// baseString builds type|userId|employeeId|companyId|timestamp followed by the
// enabled optional fields and the salt. Absent optional fields are skipped.
func baseString(ev *model.ClockEvent, salt string, precision Precision, include func(string) bool) (string, []string, error) {
	eventTime, err := truncate(ev.Timestamp, precision)
	if err != nil {
		return "", nil, err
	}

	parts := []string{
		string(ev.Type),
		ev.UserID,
		ev.EmployeeID,
		ev.CompanyID,
		strconv.FormatInt(eventTime.UnixMilli(), 10),
	}
	included := []string{}

	if include(FieldLocation) && ev.HasLocation() {
		parts = append(parts, fmt.Sprintf("%.6f,%.6f", *ev.Latitude, *ev.Longitude))
		included = append(included, FieldLocation)
	}
	if include(FieldDevice) && ev.DeviceDescriptor != "" {
		parts = append(parts, ev.DeviceDescriptor)
		included = append(included, FieldDevice)
	}
	if include(FieldIP) && ev.IPAddress != "" {
		parts = append(parts, ev.IPAddress)
		included = append(included, FieldIP)
	}
	if include(FieldPhoto) && ev.PhotoRef != "" {
		parts = append(parts, ev.PhotoRef)
		included = append(included, FieldPhoto)
	}
	if include(FieldNFC) && ev.NFCTag != "" {
		parts = append(parts, ev.NFCTag)
		included = append(included, FieldNFC)
	}
	parts = append(parts, salt)

	return strings.Join(parts, "|"), included, nil
}

func digest(cfg Config, data string) (string, error) {
	h, err := newHash(cfg.Algorithm)
	if err != nil {
		return "", err
	}
	h.Write([]byte(data))
	sum := h.Sum(nil)

	switch cfg.Encoding {
	case Hex:
		return hex.EncodeToString(sum), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(sum), nil
	case Base64URL:
		return base64.RawURLEncoding.EncodeToString(sum), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, cfg.Encoding)
}

func newHash(a Algorithm) (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case MD5:
		return md5.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, a)
}

func truncation(p Precision) (time.Duration, error) {
	switch p {
	case Millisecond:
		return time.Millisecond, nil
	case Second:
		return time.Second, nil
	case Minute:
		return time.Minute, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedPrecision, p)
}

func truncate(t time.Time, p Precision) (time.Time, error) {
	d, err := truncation(p)
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(d), nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
