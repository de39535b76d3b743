package fetcher

import (
	"bytes"
	"net/http"
)

// BlockType describes an anti-bot interstitial served instead of content.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

var (
	cloudflareMarkers = [][]byte{[]byte("checking your browser"), []byte("cf-browser-verification")}
	captchaMarkers    = [][]byte{[]byte("captcha")}
)

// DetectBlock checks a response for signs of anti-bot protection. A blocked
// page is still returned to the caller; the extractor will usually find no
// offices in it and the fallback paths take over.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}
	if resp.Header.Get("cf-mitigated") == "challenge" {
		return true, BlockCloudflare
	}

	lower := bytes.ToLower(body)
	for _, m := range cloudflareMarkers {
		if bytes.Contains(lower, m) {
			return true, BlockCloudflare
		}
	}
	for _, m := range captchaMarkers {
		if bytes.Contains(lower, m) {
			return true, BlockCaptcha
		}
	}
	if len(body) < 2000 && bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("enable javascript")) {
		return true, BlockJSShell
	}
	return false, BlockNone
}
