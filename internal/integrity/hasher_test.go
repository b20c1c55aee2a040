package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clocktrust-service/internal/model"
)

var eventTime = time.Date(2024, time.March, 4, 8, 0, 0, 123_000_000, time.UTC)

func fixedClock(offset time.Duration) func() time.Time {
	return func() time.Time { return eventTime.Add(offset) }
}

func sampleEvent() *model.ClockEvent {
	lat, lon := 40.712776, -74.005974
	return &model.ClockEvent{
		ID:               "ev-1",
		EmployeeID:       "emp-1",
		CompanyID:        "co-1",
		UserID:           "u-1",
		Type:             model.EventEntry,
		Timestamp:        eventTime,
		Latitude:         &lat,
		Longitude:        &lon,
		IPAddress:        "10.0.0.7",
		DeviceDescriptor: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		NFCTag:           "tag-42",
	}
}

func TestSealDeterministic(t *testing.T) {
	s := NewSealerWithClock(fixedClock(5 * time.Second))
	ev := sampleEvent()

	a, err := s.SealWithSalt(ev, "abcd", DefaultConfig())
	require.NoError(t, err)
	b, err := s.SealWithSalt(ev, "abcd", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := s.SealWithSalt(ev, "abce", DefaultConfig())
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)

	assert.Len(t, a.Hash, 64)
	assert.Len(t, a.Checksum, 16)
	assert.Equal(t, BundleVersion, a.Version)
	assert.Equal(t, []string{FieldLocation, FieldDevice, FieldIP, FieldNFC}, a.IncludedFields)
	// second precision truncates the seal instant
	assert.Equal(t, eventTime.Add(5*time.Second).Truncate(time.Second).UnixMilli(), a.Timestamp)
}

func TestSealBaseString(t *testing.T) {
	ev := &model.ClockEvent{
		Type:       model.EventExit,
		UserID:     "u-1",
		EmployeeID: "emp-1",
		CompanyID:  "co-1",
		Timestamp:  eventTime,
	}
	b, err := NewSealerWithClock(fixedClock(0)).SealWithSalt(ev, "s4lt", DefaultConfig())
	require.NoError(t, err)

	base := fmt.Sprintf("EXIT|u-1|emp-1|co-1|%d|s4lt", eventTime.Truncate(time.Second).UnixMilli())
	sum := sha256.Sum256([]byte(base))
	assert.Equal(t, hex.EncodeToString(sum[:]), b.Hash)
	assert.Empty(t, b.IncludedFields)
}

func TestSealRandomSalt(t *testing.T) {
	s := NewSealer()
	a, err := s.Seal(sampleEvent(), DefaultConfig())
	require.NoError(t, err)
	b, err := s.Seal(sampleEvent(), DefaultConfig())
	require.NoError(t, err)

	assert.Len(t, a.Salt, 32)
	assert.NotEqual(t, a.Salt, b.Salt)
}

func TestVerifyRoundTrip(t *testing.T) {
	algorithms := []Algorithm{SHA256, SHA512, SHA3_256, MD5}
	encodings := []Encoding{Hex, Base64, Base64URL}
	precisions := []Precision{Millisecond, Second, Minute}

	s := NewSealerWithClock(fixedClock(2 * time.Second))
	for _, alg := range algorithms {
		for _, enc := range encodings {
			for _, prec := range precisions {
				t.Run(fmt.Sprintf("%s/%s/%s", alg, enc, prec), func(t *testing.T) {
					cfg := DefaultConfig()
					cfg.Algorithm, cfg.Encoding, cfg.Precision = alg, enc, prec

					ev := sampleEvent()
					bundle, err := s.Seal(ev, cfg)
					require.NoError(t, err)

					res, err := Verify(ev, bundle, cfg)
					require.NoError(t, err)
					assert.True(t, res.IsValid)
					assert.True(t, res.Integrity)
					assert.True(t, res.Authenticity)
					assert.True(t, res.Uncorrupted)
					assert.Empty(t, res.Errors)
					assert.Empty(t, res.Warnings)
				})
			}
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := NewSealerWithClock(fixedClock(time.Second))
	cfg := DefaultConfig()

	tests := []struct {
		name       string
		tamper     func(ev *model.ClockEvent, b *model.IntegrityBundle)
		integrity  bool
		authentic  bool
		uncorrupt  bool
		firstError string
	}{
		{
			name:       "employee changed",
			tamper:     func(ev *model.ClockEvent, _ *model.IntegrityBundle) { ev.EmployeeID = "emp-2" },
			firstError: CodeHashMismatch,
		},
		{
			name: "location moved",
			tamper: func(ev *model.ClockEvent, _ *model.IntegrityBundle) {
				lat := *ev.Latitude + 0.01
				ev.Latitude = &lat
			},
			firstError: CodeHashMismatch,
		},
		{
			name:       "timestamp shifted",
			tamper:     func(ev *model.ClockEvent, _ *model.IntegrityBundle) { ev.Timestamp = ev.Timestamp.Add(time.Hour) },
			firstError: CodeHashMismatch,
		},
		{
			name:       "signature forged",
			tamper:     func(_ *model.ClockEvent, b *model.IntegrityBundle) { b.Signature = strings.Repeat("0", len(b.Signature)) },
			integrity:  true,
			uncorrupt:  true,
			firstError: CodeSignatureMismatch,
		},
		{
			name:       "checksum corrupted",
			tamper:     func(_ *model.ClockEvent, b *model.IntegrityBundle) { b.Checksum = "0000000000000000" },
			integrity:  true,
			authentic:  true,
			firstError: CodeChecksumMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := sampleEvent()
			bundle, err := s.SealWithSalt(ev, "f00d", cfg)
			require.NoError(t, err)

			tc.tamper(ev, bundle)
			res, err := Verify(ev, bundle, cfg)
			require.NoError(t, err)

			assert.False(t, res.IsValid)
			assert.Equal(t, tc.integrity, res.Integrity)
			assert.Equal(t, tc.authentic, res.Authenticity)
			assert.Equal(t, tc.uncorrupt, res.Uncorrupted)
			require.NotEmpty(t, res.Errors)
			assert.Equal(t, tc.firstError, res.Errors[0].Code)
			assert.Equal(t, model.HardViolation, res.Errors[0].Kind)
		})
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	cfg := DefaultConfig()
	ev := sampleEvent()

	bundle, err := NewSealerWithClock(fixedClock(5*time.Minute)).Seal(ev, cfg)
	require.NoError(t, err)

	res, err := Verify(ev, bundle, cfg)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CodeTimestampSkew, res.Warnings[0].Code)
	assert.Equal(t, model.SoftWarning, res.Warnings[0].Kind)
	assert.Greater(t, res.TimestampSkewMs, int64(60_000))
}

func TestVerifyConfigDrift(t *testing.T) {
	sealCfg := DefaultConfig()
	ev := sampleEvent()
	bundle, err := NewSealerWithClock(fixedClock(0)).Seal(ev, sealCfg)
	require.NoError(t, err)

	verifyCfg := sealCfg
	verifyCfg.IncludeIP = false
	res, err := Verify(ev, bundle, verifyCfg)
	require.NoError(t, err)

	// the sealed field set still verifies
	assert.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.ConfigDrift, res.Warnings[0].Kind)
	assert.Equal(t, CodeIncludedFieldDrift, res.Warnings[0].Code)

	verifyCfg = sealCfg
	verifyCfg.Algorithm = SHA512
	res, err = Verify(ev, bundle, verifyCfg)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CodeAlgorithmDrift, res.Warnings[0].Code)
}

func TestVerifyRejectsUnknownVersionAndMissingBundle(t *testing.T) {
	ev := sampleEvent()
	bundle, err := NewSealerWithClock(fixedClock(0)).Seal(ev, DefaultConfig())
	require.NoError(t, err)

	bundle.Version = "2.0"
	res, err := Verify(ev, bundle, DefaultConfig())
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, CodeUnknownVersion, res.Errors[0].Code)

	res, err = Verify(ev, nil, DefaultConfig())
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, CodeBundleMissing, res.Errors[0].Code)
}

func TestVerifyRejectsUnknownBundleParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(b *model.IntegrityBundle)
	}{
		{"algorithm", func(b *model.IntegrityBundle) { b.Algorithm = "SHA-1" }},
		{"encoding", func(b *model.IntegrityBundle) { b.Encoding = "base32" }},
		{"precision", func(b *model.IntegrityBundle) { b.Precision = "nanoseconds" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := sampleEvent()
			bundle, err := NewSealerWithClock(fixedClock(0)).Seal(ev, DefaultConfig())
			require.NoError(t, err)

			tc.mutate(bundle)
			res, err := Verify(ev, bundle, DefaultConfig())
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, CodeUnknownParams, res.Errors[0].Code)
			assert.Equal(t, model.HardViolation, res.Errors[0].Kind)
		})
	}
}

func TestConfigErrors(t *testing.T) {
	s := NewSealerWithClock(fixedClock(0))

	cfg := DefaultConfig()
	cfg.Algorithm = "CRC32"
	_, err := s.Seal(sampleEvent(), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	cfg = DefaultConfig()
	cfg.Encoding = "base32"
	_, err = s.Seal(sampleEvent(), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	cfg = DefaultConfig()
	cfg.Precision = "hour"
	_, err = s.Seal(sampleEvent(), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedPrecision)

	_, err = s.SealWithSalt(sampleEvent(), "", DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidSalt)
}
