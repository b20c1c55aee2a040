package integrity

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"clocktrust-service/internal/model"
	"clocktrust-service/internal/util"
)

// MaxTimestampSkew is how far the seal instant may sit from the event
// timestamp before verification warns. The seal instant is server time, so
// batch uploads and offline-synced events always carry this warning; it says
// the event was recorded late, not that a clock is wrong.
const MaxTimestampSkew = 60 * time.Second

const (
	CodeBundleMissing      = "BUNDLE_MISSING"
	CodeUnknownVersion     = "BUNDLE_VERSION_UNKNOWN"
	CodeUnknownParams      = "BUNDLE_PARAMS_UNKNOWN"
	CodeHashMismatch       = "HASH_MISMATCH"
	CodeSignatureMismatch  = "SIGNATURE_MISMATCH"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeTimestampSkew      = "TIMESTAMP_SKEW"
	CodeIncludedFieldDrift = "INCLUDED_FIELDS_DRIFT"
	CodeAlgorithmDrift     = "ALGORITHM_DRIFT"
)

type VerificationResult struct {
	IsValid         bool          `json:"is_valid"`
	Integrity       bool          `json:"integrity"`
	Authenticity    bool          `json:"authenticity"`
	Uncorrupted     bool          `json:"uncorrupted"`
	TimestampSkewMs int64         `json:"timestamp_skew_ms"`
	Errors          []model.Issue `json:"errors"`
	Warnings        []model.Issue `json:"warnings"`
}

// Verify recomputes the bundle from ev using the bundle's own salt, seal
// instant and recorded field set. Hash parameters recorded on the bundle take
// precedence over cfg.
func Verify(ev *model.ClockEvent, bundle *model.IntegrityBundle, cfg Config) (VerificationResult, error) {
	res := VerificationResult{
		Errors:   []model.Issue{},
		Warnings: []model.Issue{},
	}
	if bundle == nil {
		res.Errors = append(res.Errors, model.Hard(CodeBundleMissing, "event carries no integrity bundle"))
		return res, nil
	}
	if bundle.Version != BundleVersion {
		res.Errors = append(res.Errors, model.Hard(CodeUnknownVersion,
			fmt.Sprintf("unsupported bundle version %q", bundle.Version)))
		return res, nil
	}

	sealCfg, drifted := recordedConfig(bundle, cfg)
	if err := sealCfg.Validate(); err != nil {
		// recorded parameters nothing can seal with mean the bundle was altered
		res.Errors = append(res.Errors, model.Hard(CodeUnknownParams,
			fmt.Sprintf("bundle hash parameters are not supported: %v", err)))
		return res, nil
	}
	if drifted {
		res.Warnings = append(res.Warnings, model.Drift(CodeAlgorithmDrift,
			fmt.Sprintf("bundle sealed with %s/%s/%s, verifier configured for %s/%s/%s",
				sealCfg.Algorithm, sealCfg.Encoding, sealCfg.Precision, cfg.Algorithm, cfg.Encoding, cfg.Precision)))
	}

	recorded := func(field string) bool { return slices.Contains(bundle.IncludedFields, field) }
	expected, err := compute(ev, bundle.Salt, bundle.Timestamp, sealCfg, recorded)
	if err != nil {
		return res, err
	}

	res.Integrity = equal(expected.Hash, bundle.Hash)
	if !res.Integrity {
		res.Errors = append(res.Errors, model.Hard(CodeHashMismatch, "event content does not match the sealed hash"))
	}
	res.Authenticity = equal(expected.Signature, bundle.Signature)
	if !res.Authenticity {
		res.Errors = append(res.Errors, model.Hard(CodeSignatureMismatch, "bundle signature is not authentic"))
	}
	res.Uncorrupted = equal(expected.Checksum, bundle.Checksum)
	if !res.Uncorrupted {
		res.Errors = append(res.Errors, model.Hard(CodeChecksumMismatch, "bundle checksum is corrupted"))
	}

	skew := bundle.Timestamp - ev.Timestamp.UnixMilli()
	if skew < 0 {
		skew = -skew
	}
	res.TimestampSkewMs = skew
	if time.Duration(skew)*time.Millisecond > MaxTimestampSkew {
		res.Warnings = append(res.Warnings, model.Soft(CodeTimestampSkew,
			fmt.Sprintf("bundle sealed %ss away from the event timestamp", strconv.FormatInt(skew/1000, 10))))
	}

	// fields the current config would seal, compared with what was sealed
	_, current, err := baseString(ev, bundle.Salt, sealCfg.Precision, cfg.includes)
	if err != nil {
		return res, err
	}
	if !slices.Equal(current, bundle.IncludedFields) {
		res.Warnings = append(res.Warnings, model.Drift(CodeIncludedFieldDrift,
			fmt.Sprintf("sealed fields [%s] differ from configured fields [%s]",
				strings.Join(bundle.IncludedFields, ","), strings.Join(current, ","))))
		util.Warn("Integrity config drift detected",
			util.String("event_id", ev.ID),
			util.Strings("sealed_fields", bundle.IncludedFields),
			util.Strings("configured_fields", current),
		)
	}

	res.IsValid = len(res.Errors) == 0
	return res, nil
}

func recordedConfig(bundle *model.IntegrityBundle, cfg Config) (Config, bool) {
	out := cfg
	if bundle.Algorithm != "" {
		out.Algorithm = Algorithm(bundle.Algorithm)
	}
	if bundle.Encoding != "" {
		out.Encoding = Encoding(bundle.Encoding)
	}
	if bundle.Precision != "" {
		out.Precision = Precision(bundle.Precision)
	}
	drifted := out.Algorithm != cfg.Algorithm || out.Encoding != cfg.Encoding || out.Precision != cfg.Precision
	return out, drifted
}
