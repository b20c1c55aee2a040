package device

import (
	"errors"
	"strings"
)

// ErrFeatureAbsent is returned by a probe that cannot observe an attribute.
var ErrFeatureAbsent = errors.New("feature absent")

// CapabilityProbe exposes the environment attributes of the submitting device.
// Any method may fail; a failure means the attribute is absent, never that
// evaluation failed.
type CapabilityProbe interface {
	UserAgent() (string, error)
	Language() (string, error)
	Screen() (width, height int, err error)
	ColorDepth() (int, error)
	TimezoneOffset() (int, error) // minutes east of UTC
	Timezone() (string, error)
	HardwareConcurrency() (int, error)
	MaxTouchPoints() (int, error)
	RenderingSurface() (vendor, renderer string, err error)
	SecureContext() (bool, error)
	Webdriver() (bool, error)
}

// ClientReport is what a browser or mobile client reports about itself when
// submitting a clock event. Nil fields were not collected.
type ClientReport struct {
	UserAgent           string `json:"user_agent,omitempty"`
	Language            string `json:"language,omitempty"`
	ScreenWidth         *int   `json:"screen_width,omitempty"`
	ScreenHeight        *int   `json:"screen_height,omitempty"`
	ColorDepth          *int   `json:"color_depth,omitempty"`
	TimezoneOffset      *int   `json:"timezone_offset,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	HardwareConcurrency *int   `json:"hardware_concurrency,omitempty"`
	MaxTouchPoints      *int   `json:"max_touch_points,omitempty"`
	RendererVendor      string `json:"renderer_vendor,omitempty"`
	Renderer            string `json:"renderer,omitempty"`
	SecureContext       *bool  `json:"secure_context,omitempty"`
	Webdriver           *bool  `json:"webdriver,omitempty"`
}

// ClientReportProbe reads attributes from a ClientReport, falling back to
// request headers for the user agent and language.
type ClientReportProbe struct {
	report         ClientReport
	headerUA       string
	acceptLanguage string
}

func NewClientReportProbe(report ClientReport, userAgentHeader, acceptLanguage string) *ClientReportProbe {
	return &ClientReportProbe{
		report:         report,
		headerUA:       userAgentHeader,
		acceptLanguage: acceptLanguage,
	}
}

func (p *ClientReportProbe) UserAgent() (string, error) {
	if ua := strings.TrimSpace(p.report.UserAgent); ua != "" {
		return ua, nil
	}
	if ua := strings.TrimSpace(p.headerUA); ua != "" {
		return ua, nil
	}
	return "", ErrFeatureAbsent
}

func (p *ClientReportProbe) Language() (string, error) {
	if p.report.Language != "" {
		return p.report.Language, nil
	}
	// first tag of Accept-Language, without quality
	if p.acceptLanguage != "" {
		tag := strings.SplitN(p.acceptLanguage, ",", 2)[0]
		tag = strings.TrimSpace(strings.SplitN(tag, ";", 2)[0])
		if tag != "" && tag != "*" {
			return tag, nil
		}
	}
	return "", ErrFeatureAbsent
}

func (p *ClientReportProbe) Screen() (int, int, error) {
	if p.report.ScreenWidth == nil || p.report.ScreenHeight == nil {
		return 0, 0, ErrFeatureAbsent
	}
	return *p.report.ScreenWidth, *p.report.ScreenHeight, nil
}

func (p *ClientReportProbe) ColorDepth() (int, error) {
	return intOrAbsent(p.report.ColorDepth)
}

func (p *ClientReportProbe) TimezoneOffset() (int, error) {
	return intOrAbsent(p.report.TimezoneOffset)
}

func (p *ClientReportProbe) Timezone() (string, error) {
	if p.report.Timezone == "" {
		return "", ErrFeatureAbsent
	}
	return p.report.Timezone, nil
}

func (p *ClientReportProbe) HardwareConcurrency() (int, error) {
	return intOrAbsent(p.report.HardwareConcurrency)
}

func (p *ClientReportProbe) MaxTouchPoints() (int, error) {
	return intOrAbsent(p.report.MaxTouchPoints)
}

func (p *ClientReportProbe) RenderingSurface() (string, string, error) {
	if p.report.RendererVendor == "" && p.report.Renderer == "" {
		return "", "", ErrFeatureAbsent
	}
	return p.report.RendererVendor, p.report.Renderer, nil
}

func (p *ClientReportProbe) SecureContext() (bool, error) {
	if p.report.SecureContext == nil {
		return false, ErrFeatureAbsent
	}
	return *p.report.SecureContext, nil
}

func (p *ClientReportProbe) Webdriver() (bool, error) {
	if p.report.Webdriver == nil {
		return false, ErrFeatureAbsent
	}
	return *p.report.Webdriver, nil
}

func intOrAbsent(v *int) (int, error) {
	if v == nil {
		return 0, ErrFeatureAbsent
	}
	return *v, nil
}

// StaticProbe returns fixed values. Fields named in Absent report ErrFeatureAbsent.
type StaticProbe struct {
	UA            string
	Lang          string
	Width, Height int
	Depth         int
	Offset        int
	Zone          string
	Cores         int
	TouchPoints   int
	Vendor        string
	Renderer      string
	Secure        bool
	Automated     bool
	Absent        map[string]bool
}

func (s StaticProbe) absent(name string) bool { return s.Absent[name] }

func (s StaticProbe) UserAgent() (string, error) {
	if s.absent(AttrUserAgent) {
		return "", ErrFeatureAbsent
	}
	return s.UA, nil
}

func (s StaticProbe) Language() (string, error) {
	if s.absent(AttrLanguage) {
		return "", ErrFeatureAbsent
	}
	return s.Lang, nil
}

func (s StaticProbe) Screen() (int, int, error) {
	if s.absent(AttrScreen) {
		return 0, 0, ErrFeatureAbsent
	}
	return s.Width, s.Height, nil
}

func (s StaticProbe) ColorDepth() (int, error) {
	if s.absent(AttrColorDepth) {
		return 0, ErrFeatureAbsent
	}
	return s.Depth, nil
}

func (s StaticProbe) TimezoneOffset() (int, error) {
	if s.absent(AttrTimezoneOffset) {
		return 0, ErrFeatureAbsent
	}
	return s.Offset, nil
}

func (s StaticProbe) Timezone() (string, error) {
	if s.absent(AttrTimezone) {
		return "", ErrFeatureAbsent
	}
	return s.Zone, nil
}

func (s StaticProbe) HardwareConcurrency() (int, error) {
	if s.absent(AttrConcurrency) {
		return 0, ErrFeatureAbsent
	}
	return s.Cores, nil
}

func (s StaticProbe) MaxTouchPoints() (int, error) {
	if s.absent(AttrTouchPoints) {
		return 0, ErrFeatureAbsent
	}
	return s.TouchPoints, nil
}

func (s StaticProbe) RenderingSurface() (string, string, error) {
	if s.absent(AttrRenderer) {
		return "", "", ErrFeatureAbsent
	}
	return s.Vendor, s.Renderer, nil
}

func (s StaticProbe) SecureContext() (bool, error) {
	if s.absent(AttrSecureContext) {
		return false, ErrFeatureAbsent
	}
	return s.Secure, nil
}

func (s StaticProbe) Webdriver() (bool, error) {
	if s.absent(AttrWebdriver) {
		return false, ErrFeatureAbsent
	}
	return s.Automated, nil
}
