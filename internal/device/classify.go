package device

import (
	"regexp"
	"strings"

	"clocktrust-service/internal/model"
)

var (
	tabletKeywords  = []string{"ipad", "tablet", "kindle", "silk/", "playbook", "nexus 7", "nexus 10"}
	mobileKeywords  = []string{"mobi", "iphone", "ipod", "android", "blackberry", "opera mini", "windows phone", "iemobile"}
	desktopKeywords = []string{"windows nt", "macintosh", "mac os x", "x11", "linux", "cros "}

	vmVendorKeywords = []string{
		"vmware", "virtualbox", "parallels", "qemu", "hyper-v", "llvmpipe",
		"swiftshader", "microsoft basic render", "virgl", "bochs",
	}
	emulatorKeywords = []string{
		"android sdk built for", "emulator", "generic_x86", "goldfish", "ranchu",
		"genymotion", "bluestacks", "noxplayer", "sdk_gphone", "memu", "ldplayer",
	}

	automationPattern = regexp.MustCompile(`(?i)headless|phantomjs|selenium|webdriver|puppeteer|playwright|cypress|nightwatch`)
)

// ClassifyUserAgent maps a user agent (or free-text device descriptor) to a device class.
// Tablet keywords win over mobile ones; Android without "mobile" is a tablet.
func ClassifyUserAgent(ua string) model.DeviceClass {
	s := strings.ToLower(ua)
	if s == "" {
		return model.DeviceUnknown
	}
	if containsAny(s, tabletKeywords) || (strings.Contains(s, "android") && !strings.Contains(s, "mobile")) {
		return model.DeviceTablet
	}
	if containsAny(s, mobileKeywords) {
		return model.DeviceMobile
	}
	if containsAny(s, desktopKeywords) {
		return model.DeviceDesktop
	}
	return model.DeviceUnknown
}

// IsMobileClass is the coarse similarity used by duplicate detection: phones
// and tablets are "mobile", everything else is not.
func IsMobileClass(c model.DeviceClass) bool {
	return c == model.DeviceMobile || c == model.DeviceTablet
}

// IsVirtualMachine reports whether the rendering surface names a virtualized GPU.
func IsVirtualMachine(vendor, renderer string) bool {
	return containsAny(strings.ToLower(vendor+" "+renderer), vmVendorKeywords)
}

func IsEmulator(ua, vendor, renderer string) bool {
	return containsAny(strings.ToLower(ua+" "+vendor+" "+renderer), emulatorKeywords)
}

func IsAutomatedUserAgent(ua string) bool {
	return automationPattern.MatchString(ua)
}

// ParsePlatform extracts the operating system family from a user agent.
func ParsePlatform(ua string) string {
	s := strings.ToLower(ua)
	switch {
	case strings.Contains(s, "windows"):
		return "Windows"
	case strings.Contains(s, "android"):
		return "Android"
	case strings.Contains(s, "iphone"), strings.Contains(s, "ipad"), strings.Contains(s, "ipod"):
		return "iOS"
	case strings.Contains(s, "cros "):
		return "ChromeOS"
	case strings.Contains(s, "mac os x"), strings.Contains(s, "macintosh"):
		return "macOS"
	case strings.Contains(s, "linux"), strings.Contains(s, "x11"):
		return "Linux"
	}
	return "Unknown"
}

var browserTokens = []struct {
	token string
	name  string
}{
	{"Edg/", "Edge"},
	{"EdgA/", "Edge"},
	{"OPR/", "Opera"},
	{"SamsungBrowser/", "Samsung Internet"},
	{"CriOS/", "Chrome"},
	{"FxiOS/", "Firefox"},
	{"Firefox/", "Firefox"},
	{"Chrome/", "Chrome"},
	{"Version/", "Safari"},
}

// ParseBrowser returns the browser name and version from a user agent. Order
// matters: Chromium derivatives also carry a Chrome/ token.
func ParseBrowser(ua string) (string, string) {
	for _, bt := range browserTokens {
		idx := strings.Index(ua, bt.token)
		if idx < 0 {
			continue
		}
		if bt.name == "Safari" && !strings.Contains(ua, "Safari/") {
			continue
		}
		version := ua[idx+len(bt.token):]
		if end := strings.IndexAny(version, " ;)"); end >= 0 {
			version = version[:end]
		}
		return bt.name, version
	}
	return "Unknown", ""
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
