package device

import (
	"fmt"
	"math"

	"clocktrust-service/internal/model"
)

const (
	virtualMachinePenalty  = 0.3
	emulatorPenalty        = 0.3
	insecureContextPenalty = 0.1
	warningPenalty         = 0.1
)

type Config struct {
	AllowMobile          bool `json:"allow_mobile"`
	AllowDesktop         bool `json:"allow_desktop"`
	AllowTablet          bool `json:"allow_tablet"`
	BlockVirtualMachines bool `json:"block_virtual_machines"`
	BlockEmulators       bool `json:"block_emulators"`
	RequireSecureContext bool `json:"require_secure_context"`
}

func DefaultConfig() Config {
	return Config{
		AllowMobile:          true,
		AllowDesktop:         true,
		AllowTablet:          true,
		BlockVirtualMachines: false,
		BlockEmulators:       true,
		RequireSecureContext: false,
	}
}

type Verdict struct {
	Signal   model.DeviceSignal `json:"signal"`
	IsValid  bool               `json:"is_valid"`
	Errors   []model.Issue      `json:"errors"`
	Warnings []model.Issue      `json:"warnings"`
}

// Evaluate inspects the device through the probe and applies cfg. It never
// fails: unobservable attributes are simply left out.
func Evaluate(probe CapabilityProbe, cfg Config) Verdict {
	v := Verdict{
		IsValid:  true,
		Errors:   []model.Issue{},
		Warnings: []model.Issue{},
	}
	sig := &v.Signal

	attrs := CollectAttributes(probe)
	sig.DeviceID = Fingerprint(attrs)

	ua, uaErr := probe.UserAgent()
	sig.DeviceClass = ClassifyUserAgent(ua)
	sig.Platform = ParsePlatform(ua)
	sig.Browser, sig.BrowserVersion = ParseBrowser(ua)
	if w, h, err := probe.Screen(); err == nil {
		sig.ScreenResolution = fmt.Sprintf("%dx%d", w, h)
	}
	if tz, err := probe.Timezone(); err == nil {
		sig.Timezone = tz
	}

	vendor, renderer, _ := probe.RenderingSurface()
	sig.IsVirtualMachine = IsVirtualMachine(vendor, renderer)
	sig.IsEmulator = IsEmulator(ua, vendor, renderer)

	secure, secureErr := probe.SecureContext()
	sig.IsSecureContext = secureErr == nil && secure
	insecure := secureErr == nil && !secure

	if !classAllowed(sig.DeviceClass, cfg) {
		v.reject("DEVICE_CLASS_NOT_ALLOWED",
			fmt.Sprintf("%s devices are not allowed to record attendance", sig.DeviceClass))
	}

	if sig.IsVirtualMachine {
		if cfg.BlockVirtualMachines {
			v.reject("VIRTUAL_MACHINE_BLOCKED", "virtual machine detected: "+renderer)
		} else {
			v.warn("VIRTUAL_MACHINE_DETECTED", "device appears to run in a virtual machine")
		}
	}
	if sig.IsEmulator {
		if cfg.BlockEmulators {
			v.reject("EMULATOR_BLOCKED", "emulator detected")
		} else {
			v.warn("EMULATOR_DETECTED", "device appears to be an emulator")
		}
	}
	if insecure {
		if cfg.RequireSecureContext {
			v.reject("INSECURE_CONTEXT", "submission did not come from a secure context")
		} else {
			v.warn("INSECURE_CONTEXT", "submission came from an insecure context")
		}
	}

	// signals that only lower confidence
	extra := 0
	if uaErr != nil || ua == "" {
		v.warn("USER_AGENT_MISSING", "user agent is not available")
		extra++
	}
	if automated, err := probe.Webdriver(); err == nil && automated {
		v.warn("AUTOMATION_DETECTED", "browser automation flag is set")
		extra++
	}
	if ua != "" && IsAutomatedUserAgent(ua) {
		v.warn("AUTOMATED_USER_AGENT", "user agent matches an automation tool")
		extra++
	}
	if touch, err := probe.MaxTouchPoints(); err == nil && touch == 0 && IsMobileClass(sig.DeviceClass) {
		v.warn("TOUCH_MISMATCH", "mobile user agent reports no touch support")
		extra++
	}

	confidence := 1.0
	if sig.IsVirtualMachine {
		confidence -= virtualMachinePenalty
	}
	if sig.IsEmulator {
		confidence -= emulatorPenalty
	}
	if insecure {
		confidence -= insecureContextPenalty
	}
	confidence -= warningPenalty * float64(extra)
	sig.Confidence = math.Max(0, math.Round(confidence*100)/100)

	return v
}

func classAllowed(c model.DeviceClass, cfg Config) bool {
	switch c {
	case model.DeviceMobile:
		return cfg.AllowMobile
	case model.DeviceTablet:
		return cfg.AllowTablet
	case model.DeviceDesktop:
		return cfg.AllowDesktop
	}
	return true
}

func (v *Verdict) reject(code, msg string) {
	v.IsValid = false
	v.Errors = append(v.Errors, model.Hard(code, msg))
}

func (v *Verdict) warn(code, msg string) {
	v.Warnings = append(v.Warnings, model.Soft(code, msg))
}
