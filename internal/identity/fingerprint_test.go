package identity

import (
	"strings"
	"testing"
)

func TestRandomFingerprintConsistency(t *testing.T) {
	for i := 0; i < 200; i++ {
		fp := RandomFingerprint()

		if fp.UserAgent == "" || fp.PackageVersion == "" || fp.OS == "" ||
			fp.Arch == "" || fp.Runtime == "" || fp.RuntimeVersion == "" {
			t.Fatalf("incomplete fingerprint: %+v", fp)
		}

		switch fp.Runtime {
		case "node", "browser":
		default:
			t.Fatalf("unexpected runtime %q", fp.Runtime)
		}

		// A CLI identity always runs on Node.
		if strings.HasPrefix(fp.UserAgent, "claude-cli/") && fp.Runtime != "node" {
			t.Fatalf("claude-cli UA with runtime %q", fp.Runtime)
		}
		// Mobile identities are ARM.
		if fp.OS == "iOS" || fp.OS == "Android" {
			if fp.Arch != "arm64" {
				t.Fatalf("%s with arch %q", fp.OS, fp.Arch)
			}
		}
	}
}
