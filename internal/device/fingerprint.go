package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Attribute names, in fingerprint order.
const (
	AttrUserAgent      = "ua"
	AttrLanguage       = "lang"
	AttrScreen         = "screen"
	AttrColorDepth     = "depth"
	AttrTimezoneOffset = "tz"
	AttrConcurrency    = "cores"
	AttrTouchPoints    = "touch"
	AttrRenderer       = "gl"

	// not part of the fingerprint
	AttrTimezone      = "zone"
	AttrSecureContext = "secure"
	AttrWebdriver     = "webdriver"
)

type Attribute struct {
	Name  string
	Value string
}

// CollectAttributes reads the fingerprint attributes from the probe, skipping
// every attribute the probe could not observe.
func CollectAttributes(probe CapabilityProbe) []Attribute {
	attrs := make([]Attribute, 0, 8)
	add := func(name, value string) {
		attrs = append(attrs, Attribute{Name: name, Value: value})
	}

	if ua, err := probe.UserAgent(); err == nil {
		add(AttrUserAgent, ua)
	}
	if lang, err := probe.Language(); err == nil {
		add(AttrLanguage, lang)
	}
	if w, h, err := probe.Screen(); err == nil {
		add(AttrScreen, fmt.Sprintf("%dx%d", w, h))
	}
	if d, err := probe.ColorDepth(); err == nil {
		add(AttrColorDepth, strconv.Itoa(d))
	}
	if off, err := probe.TimezoneOffset(); err == nil {
		add(AttrTimezoneOffset, strconv.Itoa(off))
	}
	if c, err := probe.HardwareConcurrency(); err == nil {
		add(AttrConcurrency, strconv.Itoa(c))
	}
	if t, err := probe.MaxTouchPoints(); err == nil {
		add(AttrTouchPoints, strconv.Itoa(t))
	}
	if vendor, renderer, err := probe.RenderingSurface(); err == nil {
		add(AttrRenderer, vendor+"~"+renderer)
	}
	return attrs
}

// Fingerprint encodes the attributes as a 16 character opaque identifier.
// Identical attribute lists always produce the same identifier.
func Fingerprint(attrs []Attribute) string {
	var b strings.Builder
	for i, a := range attrs {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(a.Name)
		b.WriteByte('=')
		b.WriteString(a.Value)
	}
	h1, _ := murmur3.Sum128([]byte(b.String()))
	return fmt.Sprintf("%016x", h1)
}
