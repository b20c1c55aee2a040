package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clocktrust-service/internal/model"
)

const (
	desktopChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	iphoneSafariUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	androidPhoneUA  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	androidTabUA    = "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	ipadUA          = "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"
	emulatorUA      = "Mozilla/5.0 (Linux; Android 11; sdk_gphone_x86 Build/RSR1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0 Mobile Safari/537.36"
	headlessUA      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"
)

func desktopProbe() StaticProbe {
	return StaticProbe{
		UA:          desktopChromeUA,
		Lang:        "en-US",
		Width:       1920,
		Height:      1080,
		Depth:       24,
		Offset:      -300,
		Zone:        "America/New_York",
		Cores:       8,
		TouchPoints: 0,
		Vendor:      "Google Inc. (NVIDIA)",
		Renderer:    "ANGLE (NVIDIA GeForce RTX 3060 Direct3D11)",
		Secure:      true,
	}
}

func TestClassifyUserAgent(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want model.DeviceClass
	}{
		{"desktop chrome", desktopChromeUA, model.DeviceDesktop},
		{"iphone", iphoneSafariUA, model.DeviceMobile},
		{"android phone", androidPhoneUA, model.DeviceMobile},
		{"android tablet", androidTabUA, model.DeviceTablet},
		{"ipad", ipadUA, model.DeviceTablet},
		{"free text descriptor", "Samsung Galaxy Tablet kiosk", model.DeviceTablet},
		{"empty", "", model.DeviceUnknown},
		{"unrecognised", "curl/8.4.0", model.DeviceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyUserAgent(tt.ua))
		})
	}
}

func TestParseBrowserAndPlatform(t *testing.T) {
	name, version := ParseBrowser(desktopChromeUA)
	assert.Equal(t, "Chrome", name)
	assert.Equal(t, "120.0.0.0", version)

	name, version = ParseBrowser(iphoneSafariUA)
	assert.Equal(t, "Safari", name)
	assert.Equal(t, "17.0", version)

	name, _ = ParseBrowser("Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36 Edg/120.0.2210.91")
	assert.Equal(t, "Edge", name)

	assert.Equal(t, "Windows", ParsePlatform(desktopChromeUA))
	assert.Equal(t, "iOS", ParsePlatform(iphoneSafariUA))
	assert.Equal(t, "Android", ParsePlatform(androidPhoneUA))
	assert.Equal(t, "Unknown", ParsePlatform(""))
}

func TestFingerprintIsStable(t *testing.T) {
	p := desktopProbe()

	first := Fingerprint(CollectAttributes(p))
	second := Fingerprint(CollectAttributes(p))
	assert.Equal(t, first, second)
	assert.Len(t, first, 16)

	p.Width = 1280
	assert.NotEqual(t, first, Fingerprint(CollectAttributes(p)))
}

func TestFingerprintSkipsAbsentFeatures(t *testing.T) {
	p := desktopProbe()
	p.Absent = map[string]bool{AttrRenderer: true, AttrTouchPoints: true}

	attrs := CollectAttributes(p)
	for _, a := range attrs {
		assert.NotEqual(t, AttrRenderer, a.Name)
		assert.NotEqual(t, AttrTouchPoints, a.Name)
	}
	assert.Len(t, attrs, 6)

	// a probe failing everywhere still yields a verdict
	all := StaticProbe{Absent: map[string]bool{
		AttrUserAgent: true, AttrLanguage: true, AttrScreen: true, AttrColorDepth: true,
		AttrTimezoneOffset: true, AttrTimezone: true, AttrConcurrency: true, AttrTouchPoints: true,
		AttrRenderer: true, AttrSecureContext: true, AttrWebdriver: true,
	}}
	v := Evaluate(all, DefaultConfig())
	assert.True(t, v.IsValid)
	assert.Equal(t, model.DeviceUnknown, v.Signal.DeviceClass)
	assert.NotEmpty(t, v.Signal.DeviceID)
	assert.InDelta(t, 0.9, v.Signal.Confidence, 1e-9)
}

func TestEvaluateCleanDesktop(t *testing.T) {
	v := Evaluate(desktopProbe(), DefaultConfig())

	assert.True(t, v.IsValid)
	assert.Empty(t, v.Errors)
	assert.Empty(t, v.Warnings)
	assert.Equal(t, model.DeviceDesktop, v.Signal.DeviceClass)
	assert.Equal(t, "1920x1080", v.Signal.ScreenResolution)
	assert.Equal(t, "America/New_York", v.Signal.Timezone)
	assert.True(t, v.Signal.IsSecureContext)
	assert.Equal(t, 1.0, v.Signal.Confidence)
}

func TestEvaluateConfidencePenalties(t *testing.T) {
	t.Run("virtual machine not blocked", func(t *testing.T) {
		p := desktopProbe()
		p.Vendor = "VMware, Inc."
		p.Renderer = "SVGA3D; build: RELEASE"

		v := Evaluate(p, DefaultConfig())
		assert.True(t, v.IsValid)
		assert.True(t, v.Signal.IsVirtualMachine)
		assert.InDelta(t, 0.7, v.Signal.Confidence, 1e-9)
		require.Len(t, v.Warnings, 1)
		assert.Equal(t, model.SoftWarning, v.Warnings[0].Kind)
	})

	t.Run("vm emulator and insecure", func(t *testing.T) {
		p := desktopProbe()
		p.UA = emulatorUA
		p.TouchPoints = 5
		p.Renderer = "Android Emulator OpenGL ES Translator (VirtualBox)"
		p.Secure = false

		cfg := DefaultConfig()
		cfg.BlockEmulators = false
		v := Evaluate(p, cfg)
		assert.True(t, v.IsValid)
		assert.True(t, v.Signal.IsVirtualMachine)
		assert.True(t, v.Signal.IsEmulator)
		assert.InDelta(t, 0.3, v.Signal.Confidence, 1e-9)
	})

	t.Run("additional warnings floor at zero", func(t *testing.T) {
		p := desktopProbe()
		p.UA = headlessUA
		p.Renderer = "Google SwiftShader"
		p.Automated = true
		p.Secure = false

		v := Evaluate(p, DefaultConfig())
		// 1.0 - 0.3 (vm) - 0.1 (insecure) - 0.1 (webdriver) - 0.1 (automation ua)
		assert.InDelta(t, 0.4, v.Signal.Confidence, 1e-9)

		p.UA = "Mozilla/5.0 (Linux; Android 11; sdk_gphone_x86) HeadlessChrome/91.0 Mobile Safari/537.36"
		p.TouchPoints = 0
		cfg := DefaultConfig()
		cfg.BlockEmulators = false
		v = Evaluate(p, cfg)
		// vm, emulator, insecure, webdriver, automation ua, touch mismatch
		assert.Equal(t, 0.0, v.Signal.Confidence)
	})
}

func TestEvaluateConfigViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StaticProbe)
		cfg    func(*Config)
		code   string
	}{
		{
			name:   "mobile disallowed",
			mutate: func(p *StaticProbe) { p.UA = iphoneSafariUA; p.TouchPoints = 5 },
			cfg:    func(c *Config) { c.AllowMobile = false },
			code:   "DEVICE_CLASS_NOT_ALLOWED",
		},
		{
			name:   "tablet disallowed",
			mutate: func(p *StaticProbe) { p.UA = ipadUA; p.TouchPoints = 5 },
			cfg:    func(c *Config) { c.AllowTablet = false },
			code:   "DEVICE_CLASS_NOT_ALLOWED",
		},
		{
			name:   "desktop disallowed",
			mutate: func(p *StaticProbe) {},
			cfg:    func(c *Config) { c.AllowDesktop = false },
			code:   "DEVICE_CLASS_NOT_ALLOWED",
		},
		{
			name:   "virtual machine blocked",
			mutate: func(p *StaticProbe) { p.Renderer = "llvmpipe (LLVM 15.0.7, 256 bits)" },
			cfg:    func(c *Config) { c.BlockVirtualMachines = true },
			code:   "VIRTUAL_MACHINE_BLOCKED",
		},
		{
			name:   "emulator blocked",
			mutate: func(p *StaticProbe) { p.UA = emulatorUA; p.TouchPoints = 5 },
			cfg:    func(c *Config) {},
			code:   "EMULATOR_BLOCKED",
		},
		{
			name:   "secure context required",
			mutate: func(p *StaticProbe) { p.Secure = false },
			cfg:    func(c *Config) { c.RequireSecureContext = true },
			code:   "INSECURE_CONTEXT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := desktopProbe()
			tt.mutate(&p)
			cfg := DefaultConfig()
			tt.cfg(&cfg)

			v := Evaluate(p, cfg)
			assert.False(t, v.IsValid)
			require.NotEmpty(t, v.Errors)
			assert.Equal(t, tt.code, v.Errors[0].Code)
			assert.Equal(t, model.HardViolation, v.Errors[0].Kind)
		})
	}
}

func TestClientReportProbeFallsBackToHeaders(t *testing.T) {
	width, height, touch := 390, 844, 5
	secure := true
	p := NewClientReportProbe(ClientReport{
		ScreenWidth:    &width,
		ScreenHeight:   &height,
		MaxTouchPoints: &touch,
		SecureContext:  &secure,
	}, iphoneSafariUA, "de-DE,de;q=0.9,en;q=0.8")

	lang, err := p.Language()
	require.NoError(t, err)
	assert.Equal(t, "de-DE", lang)

	_, err = p.ColorDepth()
	assert.ErrorIs(t, err, ErrFeatureAbsent)

	v := Evaluate(p, DefaultConfig())
	assert.True(t, v.IsValid)
	assert.Equal(t, model.DeviceMobile, v.Signal.DeviceClass)
	assert.Equal(t, "390x844", v.Signal.ScreenResolution)
	assert.Equal(t, 1.0, v.Signal.Confidence)
}
