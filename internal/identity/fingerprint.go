package identity

import (
	"fmt"
	"math/rand/v2"
)

// Fingerprint is the outbound client identity tuple. The fields replace
// User-Agent and the x-stainless-* headers as one consistent set.
type Fingerprint struct {
	UserAgent      string
	PackageVersion string
	OS             string
	Arch           string
	Runtime        string
	RuntimeVersion string
}

var (
	fingerprintOSes   = []string{"MacOS", "Windows", "Linux"}
	fingerprintArches = []string{"x64", "arm64"}
)

// RandomFingerprint synthesizes a plausible client identity for accounts in
// ban-evasion mode. Each profile keeps its tuple internally consistent: a
// claude-cli UA pairs with a Node runtime, a browser UA with a browser
// runtime, and so on.
func RandomFingerprint() *Fingerprint {
	switch rand.IntN(5) {
	case 0:
		return cliFingerprint()
	case 1:
		return browserFingerprint()
	case 2:
		return nodeFingerprint()
	case 3:
		return mobileFingerprint()
	default:
		return otherFingerprint()
	}
}

func nodeVersion() string {
	return fmt.Sprintf("v%d.%d.%d", 16+rand.IntN(8), rand.IntN(20), rand.IntN(10))
}

func chromeVersion() int { return 100 + rand.IntN(30) }

func pick(list []string) string { return list[rand.IntN(len(list))] }

func cliFingerprint() *Fingerprint {
	version := fmt.Sprintf("1.0.%d", 60+rand.IntN(70))
	return &Fingerprint{
		UserAgent:      fmt.Sprintf("claude-cli/%s (external, cli)", version),
		PackageVersion: version,
		OS:             pick(fingerprintOSes),
		Arch:           pick(fingerprintArches),
		Runtime:        "node",
		RuntimeVersion: nodeVersion(),
	}
}

func browserFingerprint() *Fingerprint {
	chrome := chromeVersion()
	platforms := []struct{ ua, os string }{
		{"(Macintosh; Intel Mac OS X 10_15_7)", "MacOS"},
		{"(Windows NT 10.0; Win64; x64)", "Windows"},
		{"(X11; Linux x86_64)", "Linux"},
	}
	p := platforms[rand.IntN(len(platforms))]
	return &Fingerprint{
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 %s AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
			p.ua, chrome),
		PackageVersion: fmt.Sprintf("0.%d.%d", 40+rand.IntN(30), rand.IntN(10)),
		OS:             p.os,
		Arch:           pick(fingerprintArches),
		Runtime:        "browser",
		RuntimeVersion: fmt.Sprintf("chrome/%d", chrome),
	}
}

func nodeFingerprint() *Fingerprint {
	ver := nodeVersion()
	return &Fingerprint{
		UserAgent:      fmt.Sprintf("node-fetch/1.0 (+https://github.com/node-fetch/node-fetch) node/%s", ver),
		PackageVersion: fmt.Sprintf("0.%d.%d", 40+rand.IntN(30), rand.IntN(10)),
		OS:             pick(fingerprintOSes),
		Arch:           pick(fingerprintArches),
		Runtime:        "node",
		RuntimeVersion: ver,
	}
}

func mobileFingerprint() *Fingerprint {
	if rand.IntN(2) == 0 {
		ios := fmt.Sprintf("%d_%d", 15+rand.IntN(3), rand.IntN(8))
		return &Fingerprint{
			UserAgent: fmt.Sprintf(
				"Mozilla/5.0 (iPhone; CPU iPhone OS %s like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%d.0 Mobile/15E148 Safari/604.1",
				ios, 15+rand.IntN(3)),
			PackageVersion: fmt.Sprintf("0.%d.%d", 30+rand.IntN(20), rand.IntN(10)),
			OS:             "iOS",
			Arch:           "arm64",
			Runtime:        "browser",
			RuntimeVersion: "safari/" + ios,
		}
	}
	chrome := chromeVersion()
	android := 10 + rand.IntN(5)
	return &Fingerprint{
		UserAgent: fmt.Sprintf(
			"Mozilla/5.0 (Linux; Android %d; Pixel %d) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Mobile Safari/537.36",
			android, 5+rand.IntN(4), chrome),
		PackageVersion: fmt.Sprintf("0.%d.%d", 30+rand.IntN(20), rand.IntN(10)),
		OS:             "Android",
		Arch:           "arm64",
		Runtime:        "browser",
		RuntimeVersion: fmt.Sprintf("chrome/%d", chrome),
	}
}

func otherFingerprint() *Fingerprint {
	ver := nodeVersion()
	return &Fingerprint{
		UserAgent:      fmt.Sprintf("axios/1.%d.%d", rand.IntN(8), rand.IntN(10)),
		PackageVersion: fmt.Sprintf("0.%d.%d", 20+rand.IntN(40), rand.IntN(10)),
		OS:             pick(fingerprintOSes),
		Arch:           pick(fingerprintArches),
		Runtime:        "node",
		RuntimeVersion: ver,
	}
}
